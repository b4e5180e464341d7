package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"

	"voicechat/internal/domain"
	"voicechat/internal/ports"
)

// WAVFileCapture replays a PCM WAV file as a capture device.
type WAVFileCapture struct {
	path string
	pace bool
}

// NewWAVFileCapture returns a capture that reads path. When pace is true blocks
// are released at the rate a live device would produce them.
func NewWAVFileCapture(path string, pace bool) *WAVFileCapture {
	return &WAVFileCapture{path: path, pace: pace}
}

func (c *WAVFileCapture) Open(ctx context.Context, cfg ports.AudioConfig) (ports.FrameSource, error) {
	cfg = withAudioDefaults(cfg)

	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wav input: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", c.path)
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode wav input: %w", err)
	}
	if int(dec.SampleRate) != cfg.SampleRate {
		return nil, fmt.Errorf("wav sample rate %d does not match capture rate %d", dec.SampleRate, cfg.SampleRate)
	}
	channels := int(dec.NumChans)
	if channels != cfg.Channels {
		return nil, fmt.Errorf("wav has %d channels, capture expects %d", channels, cfg.Channels)
	}
	if dec.BitDepth == 0 {
		return nil, errors.New("wav input has no bit depth")
	}

	scale := float32(int64(1) << (dec.BitDepth - 1))
	samples := make(domain.SampleBlock, channels)
	frames := len(pcm.Data) / channels
	for ch := range samples {
		samples[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			samples[ch][i] = float32(pcm.Data[i*channels+ch]) / scale
		}
	}

	var interval time.Duration
	if c.pace {
		interval = time.Duration(cfg.BlockSize) * time.Second / time.Duration(cfg.SampleRate)
	}
	src := &sliceFrameSource{
		blocks: make(chan domain.SampleBlock),
		done:   make(chan struct{}),
	}
	go src.run(ctx, samples, cfg.BlockSize, interval)
	return src, nil
}

// sliceFrameSource emits fixed-size blocks from in-memory samples, zero-padding the last one.
type sliceFrameSource struct {
	blocks    chan domain.SampleBlock
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (s *sliceFrameSource) Blocks() <-chan domain.SampleBlock { return s.blocks }

func (s *sliceFrameSource) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *sliceFrameSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *sliceFrameSource) run(ctx context.Context, samples domain.SampleBlock, blockSize int, interval time.Duration) {
	defer close(s.blocks)

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	total := samples.Len()
	for start := 0; start < total; start += blockSize {
		block := make(domain.SampleBlock, len(samples))
		for ch := range samples {
			block[ch] = make([]float32, blockSize)
			end := start + blockSize
			if end > total {
				end = total
			}
			copy(block[ch], samples[ch][start:end])
		}

		if tick != nil {
			select {
			case <-tick:
			case <-s.done:
				return
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
		}

		select {
		case s.blocks <- block:
		case <-s.done:
			return
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		}
	}
}

func (s *sliceFrameSource) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
