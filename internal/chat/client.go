// Package chat streams chat-completion text from the relay backend.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"voicechat/internal/domain"
)

const (
	defaultBaseURL  = "http://localhost:8080"
	defaultChatPath = "/chat_completion"
	readBufferSize  = 4096
)

var ErrMissingBody = errors.New("chat: response has no readable body")

// Config controls the chat endpoint.
type Config struct {
	BaseURL string
	Path    string
}

// Client posts conversations and relays the streamed reply.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient builds a chat client. A nil httpClient uses one without a timeout,
// since completions stream for as long as the model writes.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultBaseURL
	}
	path := cfg.Path
	if path == "" {
		path = defaultChatPath
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		endpoint: strings.TrimRight(base, "/") + path,
		http:     httpClient,
		logger:   logger,
	}
}

// StreamCompletion posts messages and calls onChunk with each decoded piece of
// the response body in arrival order, then onFinish once at end of stream.
func (c *Client) StreamCompletion(
	ctx context.Context,
	messages []domain.ChatMessage,
	onChunk func(text string),
	onFinish func(),
) error {
	if messages == nil {
		messages = []domain.ChatMessage{}
	}
	body, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to encode chat messages: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chat request failed: %w", err)
	}
	if resp.Body == nil {
		return ErrMissingBody
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("chat request failed: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	if err := Relay(resp.Body, onChunk); err != nil {
		return err
	}
	c.logger.Debug("chat stream finished")
	if onFinish != nil {
		onFinish()
	}
	return nil
}

// Relay reads r until EOF and passes each read to onChunk as text. A UTF-8
// sequence split across reads is held back and prefixed to the next chunk.
func Relay(r io.Reader, onChunk func(text string)) error {
	buf := make([]byte, readBufferSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			cut := completePrefix(data)
			carry = append([]byte(nil), data[cut:]...)
			if cut > 0 && onChunk != nil {
				onChunk(string(data[:cut]))
			}
		}
		if errors.Is(err, io.EOF) {
			if len(carry) > 0 && onChunk != nil {
				onChunk(string(carry))
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read chat stream: %w", err)
		}
	}
}

// completePrefix returns the length of data without a trailing incomplete rune.
func completePrefix(data []byte) int {
	for back := 1; back <= utf8.UTFMax && back <= len(data); back++ {
		i := len(data) - back
		b := data[i]
		if b < utf8.RuneSelf {
			return len(data)
		}
		if utf8.RuneStart(b) {
			if utf8.FullRune(data[i:]) {
				return len(data)
			}
			return i
		}
	}
	return len(data)
}
