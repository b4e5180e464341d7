package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"voicechat/internal/domain"
)

// FormatWAV is the only export format the encoder produces.
const FormatWAV = "audio/wav"

// WAVEncoder buffers appended blocks and exports them as 16-bit PCM WAV.
// Commands never block; exports are encoded on a separate goroutine and
// delivered to the handler given at construction.
type WAVEncoder struct {
	onExport func(domain.ExportedAudio)

	mu         sync.Mutex
	sampleRate int
	channels   int
	compat     bool
	buffers    [][]float32

	pending sync.WaitGroup
}

func NewWAVEncoder(onExport func(domain.ExportedAudio)) *WAVEncoder {
	if onExport == nil {
		onExport = func(domain.ExportedAudio) {}
	}
	return &WAVEncoder{onExport: onExport, sampleRate: 16000, channels: 1, buffers: make([][]float32, 1)}
}

// Init configures the output format and discards anything buffered.
// compat downmixes every channel to mono in exports.
func (e *WAVEncoder) Init(sampleRate int, channels int, compat bool) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sampleRate = sampleRate
	e.channels = channels
	e.compat = compat
	e.buffers = make([][]float32, channels)
}

// Append buffers one block. Missing channels are padded with silence.
func (e *WAVEncoder) Append(block domain.SampleBlock) {
	n := block.Len()
	if n == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.buffers {
		if ch < len(block) && len(block[ch]) == n {
			e.buffers[ch] = append(e.buffers[ch], block[ch]...)
		} else {
			e.buffers[ch] = append(e.buffers[ch], make([]float32, n)...)
		}
	}
}

// Clear drops all buffered samples.
func (e *WAVEncoder) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffers = make([][]float32, e.channels)
}

// Export snapshots the buffer and encodes it asynchronously.
func (e *WAVEncoder) Export(format string) {
	e.mu.Lock()
	snapshot := make([][]float32, len(e.buffers))
	copy(snapshot, e.buffers)
	sampleRate, compat := e.sampleRate, e.compat
	e.mu.Unlock()

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		result := domain.ExportedAudio{Format: format}
		if format != FormatWAV {
			result.Err = fmt.Errorf("unsupported export format %q", format)
		} else {
			result.Data, result.Err = encodeWAV(snapshot, sampleRate, compat)
		}
		e.onExport(result)
	}()
}

// Wait blocks until every export in flight has been delivered.
func (e *WAVEncoder) Wait() {
	e.pending.Wait()
}

func encodeWAV(channels [][]float32, sampleRate int, compat bool) ([]byte, error) {
	if compat && len(channels) > 1 {
		channels = [][]float32{downmix(channels)}
	}
	numChannels := len(channels)
	if numChannels == 0 {
		return nil, errors.New("encoder has no channels configured")
	}
	frames := len(channels[0])

	data := make([]int, frames*numChannels)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < numChannels; ch++ {
			data[i*numChannels+ch] = int(FloatToPCM16(channels[ch][i]))
		}
	}

	out := &memWriteSeeker{}
	enc := wav.NewEncoder(out, sampleRate, 16, numChannels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: numChannels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("failed to encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize wav: %w", err)
	}
	return out.Bytes(), nil
}

func downmix(channels [][]float32) []float32 {
	frames := len(channels[0])
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for _, ch := range channels {
			sum += ch[i]
		}
		mono[i] = sum / float32(len(channels))
	}
	return mono
}

// memWriteSeeker is an in-memory io.WriteSeeker; the wav encoder seeks back to patch chunk sizes.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		if end > cap(m.buf) {
			grown := make([]byte, end, end*2)
			copy(grown, m.buf)
			m.buf = grown
		} else {
			m.buf = m.buf[:end]
		}
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(m.pos) + offset
	case io.SeekEnd:
		next = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	m.pos = int(next)
	return next, nil
}

func (m *memWriteSeeker) Bytes() []byte {
	return m.buf
}
