package server

import (
	"strings"
	"sync"

	"voicechat/internal/domain"
)

// transcriptBuilder keeps the running text of one recognizer stream:
// every final segment plus the latest interim hypothesis.
type transcriptBuilder struct {
	mu      sync.Mutex
	finals  []string
	interim string
}

func newTranscriptBuilder() *transcriptBuilder {
	return &transcriptBuilder{}
}

// Add folds an event in and reports whether the running text changed.
func (b *transcriptBuilder) Add(event domain.TranscriptEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	text := strings.TrimSpace(event.Text)
	if text == "" {
		return false
	}
	if event.Kind == domain.TranscriptKindFinal {
		b.finals = append(b.finals, text)
		b.interim = ""
		return true
	}
	if text == b.interim {
		return false
	}
	b.interim = text
	return true
}

// Text returns finals joined with the interim tail.
func (b *transcriptBuilder) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	parts := b.finals
	if b.interim != "" {
		parts = append(append([]string(nil), b.finals...), b.interim)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
