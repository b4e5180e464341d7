package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/getsentry/sentry-go"

	"voicechat/internal/domain"
)

const maxChatBody = 1 << 20

type chatPayload struct {
	Messages []domain.ChatMessage `json:"messages"`
}

// handleChatCompletion streams completion deltas as text/plain, flushing each one.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.completer == nil {
		http.Error(w, "chat completion is not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	messages, err := decodeChatMessages(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	flusher, _ := w.(http.Flusher)

	started := false
	err = s.completer.StreamChat(r.Context(), messages, func(delta string) error {
		started = true
		if _, err := io.WriteString(w, delta); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		s.metrics.ChatDeltas.Inc()
		return nil
	})
	if err != nil {
		s.metrics.ChatFailures.Inc()
		sentry.CaptureException(err)
		s.logger.Error("chat completion failed", "error", err, "messages", len(messages))
		if !started {
			http.Error(w, "chat completion failed", http.StatusBadGateway)
		}
	}
}

// decodeChatMessages accepts a bare array of messages or an object with a messages field.
func decodeChatMessages(body []byte) ([]domain.ChatMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("request body is empty")
	}

	var messages []domain.ChatMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &messages); err != nil {
			return nil, fmt.Errorf("invalid messages: %w", err)
		}
	} else {
		var payload chatPayload
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			return nil, fmt.Errorf("invalid messages: %w", err)
		}
		messages = payload.Messages
	}

	for i, m := range messages {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			return nil, fmt.Errorf("message %d: unsupported role %q", i, m.Role)
		}
	}
	return messages, nil
}
