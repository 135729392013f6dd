// Package audio captures microphone frames with portaudio, encodes them to
// Opus and feeds them into the outbound media track. The whole pipeline is
// optional: when no capture device is available the console falls back to a
// silent track and keeps working.
package audio

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"
)

const (
	sampleRate = 48000
	channels   = 1
	// 20ms frames, the Opus default for realtime voice.
	frameSamples  = sampleRate / 50
	frameDuration = 20 * time.Millisecond

	maxOpusPacket = 1500
)

// SampleWriter is where encoded frames go, normally a pion local track.
type SampleWriter interface {
	WriteSample(media.Sample) error
}

// Gate is the microphone enablement switch. It satisfies transport.Track;
// while disabled, captured frames are read and dropped so the device buffer
// never backs up.
type Gate struct {
	mu      sync.Mutex
	enabled bool
}

func NewGate(enabled bool) *Gate {
	return &Gate{enabled: enabled}
}

func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

func (g *Gate) SetEnabled(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = v
}

// Capture owns the portaudio stream and the encode loop.
type Capture struct {
	gate   *Gate
	writer SampleWriter

	stream *portaudio.Stream
	enc    *opus.Encoder
	pcm    []int16

	mu      sync.Mutex
	started bool
	done    chan struct{}
	stopped chan struct{}
}

// NewCapture initializes portaudio and opens the default input device. A
// failure here means no usable microphone; the caller decides whether that
// is fatal.
func NewCapture(writer SampleWriter, gate *Gate) (*Capture, error) {
	if writer == nil {
		return nil, errors.New("nil sample writer")
	}
	if gate == nil {
		gate = NewGate(false)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	pcm := make([]int16, frameSamples)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(sampleRate), len(pcm), pcm)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open capture stream: %w", err)
	}

	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}

	return &Capture{
		gate:    gate,
		writer:  writer,
		stream:  stream,
		enc:     enc,
		pcm:     pcm,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Gate returns the enablement switch wired into this pipeline.
func (c *Capture) Gate() *Gate { return c.gate }

// Start begins the capture loop on its own goroutine.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("capture already started")
	}
	if err := c.stream.Start(); err != nil {
		return fmt.Errorf("start capture stream: %w", err)
	}
	c.started = true
	go c.loop()
	return nil
}

func (c *Capture) loop() {
	defer close(c.stopped)

	packet := make([]byte, maxOpusPacket)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.stream.Read(); err != nil {
			log.Printf("audio: read frame: %v", err)
			return
		}
		if !c.gate.Enabled() {
			continue
		}

		n, err := c.enc.Encode(c.pcm, packet)
		if err != nil {
			log.Printf("audio: encode frame: %v", err)
			continue
		}
		sample := media.Sample{
			Data:     append([]byte(nil), packet[:n]...),
			Duration: frameDuration,
		}
		if err := c.writer.WriteSample(sample); err != nil {
			log.Printf("audio: write sample: %v", err)
		}
	}
}

// Close stops the loop and releases the device.
func (c *Capture) Close() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		c.stream.Close()
		portaudio.Terminate()
		return nil
	}
	c.started = false
	c.mu.Unlock()

	close(c.done)
	select {
	case <-c.stopped:
	case <-time.After(time.Second):
		log.Printf("audio: capture loop did not stop in time")
	}

	err := c.stream.Stop()
	if cerr := c.stream.Close(); err == nil {
		err = cerr
	}
	portaudio.Terminate()
	return err
}
