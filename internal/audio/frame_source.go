package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"voicechat/internal/domain"
)

const defaultBlockSize = 4096

// pcmFrameSource slices an s16le byte stream into fixed-size sample blocks.
type pcmFrameSource struct {
	blocks chan domain.SampleBlock
	done   chan struct{}

	release func() error

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	closeErr  error
}

func newPCMFrameSource(r io.Reader, channels int, blockSize int, release func() error) *pcmFrameSource {
	if channels <= 0 {
		channels = 1
	}
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	s := &pcmFrameSource{
		blocks:  make(chan domain.SampleBlock, 8),
		done:    make(chan struct{}),
		release: release,
	}
	go s.readLoop(r, channels, blockSize)
	return s
}

func (s *pcmFrameSource) Blocks() <-chan domain.SampleBlock {
	return s.blocks
}

func (s *pcmFrameSource) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *pcmFrameSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.release != nil {
			s.closeErr = s.release()
		}
	})
	return s.closeErr
}

func (s *pcmFrameSource) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *pcmFrameSource) readLoop(r io.Reader, channels int, blockSize int) {
	defer close(s.blocks)

	buf := make([]byte, blockSize*channels*2)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			// A short trailing frame cannot form a fixed-size block.
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.setErr(fmt.Errorf("audio capture read failed: %w", err))
			}
			return
		}

		block := DecodePCM16LE(buf, channels)
		select {
		case s.blocks <- block:
		case <-s.done:
			return
		}
	}
}
