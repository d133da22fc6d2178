package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/markchat/backend/internal/config"
)

// FailureMarker prefixes every in-band error written to the stream.
const FailureMarker = "❌"

var (
	ErrNoMessages    = errors.New("a non-empty messages array is required")
	ErrNoUserMessage = errors.New("no valid user message found to build the question")
)

// BackendError reports a non-2xx answer from the upstream service.
type BackendError struct {
	StatusCode int
	StatusText string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("Error %d: %s", e.StatusCode, e.StatusText)
}

// Message is one entry of the conversation history posted by the client.
// Content stays raw so non-string payloads can be told apart.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Text returns the content when it is a JSON string.
func (m Message) Text() (string, bool) {
	var s string
	if len(m.Content) == 0 || json.Unmarshal(m.Content, &s) != nil {
		return "", false
	}
	return s, true
}

// Descriptor is returned by the diagnostic GET endpoint.
type Descriptor struct {
	Message   string `json:"message"`
	Endpoint  string `json:"endpoint"`
	Method    string `json:"method"`
	Streaming bool   `json:"streaming"`
	ChunkSize int    `json:"chunkSize"`
	LocalAPI  string `json:"localApi"`
}

// Service forwards the latest user question to the answering backend and
// turns every outcome into text suitable for the raw stream.
type Service struct {
	cfg    config.RelayConfig
	client *http.Client
}

// NewService creates a relay. A nil client gets one bounded by the backend timeout.
func NewService(cfg config.RelayConfig, client *http.Client) *Service {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = config.DefaultRelayConfig().ChunkSize
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.BackendTimeout}
	}
	return &Service{cfg: cfg, client: client}
}

// ChunkSize is the transport slice size for the relayed answer.
func (s *Service) ChunkSize() int {
	return s.cfg.ChunkSize
}

// Describe returns the relay's static configuration.
func (s *Service) Describe(endpoint string) Descriptor {
	return Descriptor{
		Message:   "Relay to the chat backend, streaming raw markdown text",
		Endpoint:  endpoint,
		Method:    http.MethodPost,
		Streaming: true,
		ChunkSize: s.cfg.ChunkSize,
		LocalAPI:  s.cfg.BackendURL,
	}
}

// Relay resolves the answer text for a conversation history. It never fails:
// errors come back as text starting with FailureMarker.
func (s *Service) Relay(ctx context.Context, messages []Message, sessionID string) string {
	startedAt := time.Now()
	log.Printf("[relay] IN count=%d preview=%q", len(messages), lastPreview(messages, 80))

	question, err := LastQuestion(messages)
	if err != nil {
		return FormatFailure(err)
	}

	answer, err := s.Ask(ctx, ResolveSessionID(sessionID), question)
	if err != nil {
		log.Printf("[relay] ❌ backend call failed: %v", err)
		return FormatFailure(err)
	}

	log.Printf("[relay] OK answer length=%d preview=%q took=%s", len(answer), preview(answer, 120), time.Since(startedAt))
	return answer
}

// Ask posts a single question to the backend and extracts its answer.
func (s *Service) Ask(ctx context.Context, sessionID, question string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"question":   question,
	})
	if err != nil {
		return "", fmt.Errorf("encode backend request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BackendURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-store")

	log.Printf("[relay] CALL backend=%s session=%s question=%q", s.cfg.BackendURL, sessionID, preview(question, 80))

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	log.Printf("[relay] backend resp %s", resp.Status)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Printf("[relay] ❌ backend error status=%d body=%q", resp.StatusCode, preview(string(body), 200))
		return "", &BackendError{StatusCode: resp.StatusCode, StatusText: statusText(resp)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read backend response: %w", err)
	}
	return ExtractAnswer(body), nil
}

// LastQuestion returns the trimmed text of the most recent user message that
// carries non-empty string content.
func LastQuestion(messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", ErrNoMessages
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		text, ok := messages[i].Text()
		if !ok {
			continue
		}
		if question := strings.TrimSpace(text); question != "" {
			return question, nil
		}
	}
	return "", ErrNoUserMessage
}

// ResolveSessionID prefers the caller's id and otherwise mints a web session.
func ResolveSessionID(candidate string) string {
	if id := strings.TrimSpace(candidate); id != "" {
		return id
	}
	return "web-" + uuid.NewString()
}

// ExtractAnswer reads a backend body as structured data when possible and
// falls back to the raw text.
func ExtractAnswer(body []byte) string {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return string(body)
	}

	switch v := payload.(type) {
	case string:
		return v
	case map[string]any:
		answer, ok := v["answer"]
		if !ok || answer == nil {
			return stringify(payload, body)
		}
		if text, ok := answer.(string); ok {
			return text
		}
		return stringify(answer, body)
	default:
		return stringify(payload, body)
	}
}

// stringify renders a decoded value as compact JSON.
func stringify(v any, body []byte) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return strings.TrimSpace(string(body))
	}
	return string(raw)
}

// FormatFailure renders err as in-band stream content.
func FormatFailure(err error) string {
	var backendErr *BackendError
	switch {
	case errors.As(err, &backendErr):
		return FailureMarker + " " + backendErr.Error()
	case errors.Is(err, ErrNoMessages), errors.Is(err, ErrNoUserMessage):
		return FailureMarker + " " + capitalize(err.Error())
	default:
		return FailureMarker + " Error: " + err.Error()
	}
}

// IsFailure reports whether relayed text is an in-band error.
func IsFailure(text string) bool {
	return strings.HasPrefix(text, FailureMarker)
}

func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func lastPreview(messages []Message, n int) string {
	if len(messages) == 0 {
		return ""
	}
	text, _ := messages[len(messages)-1].Text()
	return preview(text, n)
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
