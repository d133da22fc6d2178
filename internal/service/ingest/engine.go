// Package ingest drives a send: it posts the conversation to the relay, reads
// the streamed reply and types it into the assistant message.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/markchat/backend/internal/config"
	"github.com/zhouzirui/markchat/backend/internal/model/chat"
)

var (
	ErrEmptyInput = errors.New("message is empty")
	ErrCancelled  = errors.New("send cancelled")
	ErrNoBody     = errors.New("no response body (stream)")
)

// SessionHeader names the conversation to the relay.
const SessionHeader = "x-session-id"

const readBufferSize = 4096

// Store is the state the engine reads history from and applies events to.
type Store interface {
	History(ctx context.Context, conversationID string) ([]chat.Message, error)
	// BeginSend must refuse a conversation whose previous send is unsettled.
	BeginSend(ctx context.Context, conversationID string) error
	TouchConversation(ctx context.Context, conversationID string) error
	Apply(ctx context.Context, ev chat.Event) error
}

// Settings are forwarded to the relay alongside the history.
type Settings struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type relayRequest struct {
	Messages []chat.Turn `json:"messages"`
	Settings
}

// Engine runs sends. Different conversations stream independently; a
// conversation has at most one send in flight.
type Engine struct {
	cfg    config.EngineConfig
	store  Store
	client *http.Client
	newID  func() string
	now    func() time.Time

	mu      sync.Mutex
	cancels map[string]*inflight
	wg      sync.WaitGroup
}

// NewEngine creates an engine posting to cfg.RelayURL. A nil client uses
// http.DefaultClient; streams are bounded by the send context instead.
func NewEngine(cfg config.EngineConfig, store Store, client *http.Client) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		client:  client,
		newID:   uuid.NewString,
		now:     func() time.Time { return time.Now().UTC() },
		cancels: make(map[string]*inflight),
	}
}

// Send appends the user's message and an empty assistant message, then
// streams the reply into the latter. Guard failures (ErrEmptyInput, a send in
// flight, unknown conversation) return before any state changes. Every other
// failure is recorded on the conversation as failed and also returned.
func (e *Engine) Send(ctx context.Context, conversationID, text string, settings Settings) (chat.Message, error) {
	j, err := e.begin(ctx, conversationID, text, settings)
	if err != nil {
		return chat.Message{}, err
	}
	return e.run(ctx, j)
}

// Start runs the guards of Send synchronously and streams in the background
// on a context detached from ctx. Wait blocks until background sends finish.
func (e *Engine) Start(ctx context.Context, conversationID, text string, settings Settings) error {
	j, err := e.begin(ctx, conversationID, text, settings)
	if err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_, _ = e.run(context.WithoutCancel(ctx), j)
	}()
	return nil
}

// Wait blocks until every send started with Start has settled.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// inflight identifies one registered send, so a finished send never
// unregisters the one that replaced it.
type inflight struct {
	cancel context.CancelFunc
}

type job struct {
	conversationID string
	text           string
	history        []chat.Message
	settings       Settings
}

func (e *Engine) begin(ctx context.Context, conversationID, text string, settings Settings) (job, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return job{}, ErrEmptyInput
	}

	history, err := e.store.History(ctx, conversationID)
	if err != nil {
		return job{}, err
	}
	if err := e.store.BeginSend(ctx, conversationID); err != nil {
		return job{}, err
	}
	if err := e.store.TouchConversation(ctx, conversationID); err != nil {
		log.Printf("[ingest] touch conversation=%s: %v", conversationID, err)
	}
	return job{conversationID: conversationID, text: text, history: history, settings: e.withDefaults(settings)}, nil
}

func (e *Engine) run(ctx context.Context, j job) (chat.Message, error) {
	conversationID := j.conversationID
	ctx, cancel := context.WithCancel(ctx)
	handle := e.register(conversationID, cancel)

	user := chat.Message{
		ID:             e.newID(),
		ConversationID: conversationID,
		Role:           chat.RoleUser,
		Content:        j.text,
		CreatedAt:      e.now(),
	}
	assistant := chat.Message{
		ID:             e.newID(),
		ConversationID: conversationID,
		Role:           chat.RoleAssistant,
		CreatedAt:      e.now(),
	}

	err := e.store.Apply(ctx, chat.Event{Type: chat.EventMessageAdded, ConversationID: conversationID, Message: &user})
	if err == nil {
		err = e.store.Apply(ctx, chat.Event{Type: chat.EventMessageStarted, ConversationID: conversationID, MessageID: assistant.ID, Message: &assistant})
	}
	if err == nil {
		turns := append(chat.Turns(j.history), chat.Turn{Role: chat.RoleUser, Content: j.text})
		assistant.Content, err = e.stream(ctx, conversationID, assistant.ID, turns, j.settings)
	}

	// Unregister before settling: once settled, a new send may register.
	e.unregister(conversationID, handle)
	e.settle(conversationID, err)
	return assistant, err
}

// Cancel aborts the in-flight send of a conversation. It reports whether one
// was running.
func (e *Engine) Cancel(conversationID string) bool {
	e.mu.Lock()
	handle, ok := e.cancels[conversationID]
	e.mu.Unlock()
	if ok {
		handle.cancel()
	}
	return ok
}

func (e *Engine) register(id string, cancel context.CancelFunc) *inflight {
	handle := &inflight{cancel: cancel}
	e.mu.Lock()
	e.cancels[id] = handle
	e.mu.Unlock()
	return handle
}

func (e *Engine) unregister(id string, handle *inflight) {
	e.mu.Lock()
	if e.cancels[id] == handle {
		delete(e.cancels, id)
	}
	e.mu.Unlock()
	handle.cancel()
}

func (e *Engine) withDefaults(s Settings) Settings {
	if s.Model == "" {
		s.Model = e.cfg.DefaultModel
	}
	if s.Temperature == nil {
		t := e.cfg.DefaultTemperature
		s.Temperature = &t
	}
	return s
}

// stream performs the request and types the reply. It returns the final
// normalized content.
func (e *Engine) stream(ctx context.Context, conversationID, messageID string, turns []chat.Turn, settings Settings) (string, error) {
	payload, err := json.Marshal(relayRequest{Messages: turns, Settings: settings})
	if err != nil {
		return "", fmt.Errorf("encode relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.RelayURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, conversationID)

	log.Printf("[ingest] -> POST %s conversation=%s count=%d", e.cfg.RelayURL, conversationID, len(turns))

	resp, err := e.client.Do(req)
	if err != nil {
		return "", cancelled(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return "", ErrNoBody
	}

	if err := e.store.Apply(ctx, chat.Event{Type: chat.EventStatusChanged, ConversationID: conversationID, Status: chat.StatusStreaming}); err != nil {
		return "", err
	}

	head, err := readHead(resp.Body)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", cancelled(ctx, err)
	}
	framing := Classify(head)
	log.Printf("[ingest] conversation=%s framing=%s", conversationID, framing)

	tw := NewTypewriter(e.cfg.BatchSize, e.cfg.Delay, func(content, delta string) error {
		return e.store.Apply(ctx, chat.Event{
			Type:           chat.EventMessageAppended,
			ConversationID: conversationID,
			MessageID:      messageID,
			Content:        content,
			Delta:          delta,
		})
	})

	body := io.MultiReader(bytes.NewReader(head), resp.Body)
	if err := pump(ctx, body, newDecoder(framing), tw); err != nil {
		return tw.Final(), cancelled(ctx, err)
	}

	final := tw.Final()
	log.Printf("[ingest] stream done conversation=%s len=%d", conversationID, len(final))

	err = e.store.Apply(ctx, chat.Event{
		Type:           chat.EventMessageFinished,
		ConversationID: conversationID,
		MessageID:      messageID,
		Content:        final,
	})
	return final, err
}

// readHead reads only until the framing is decided, so a short first chunk
// is typed without waiting for more bytes.
func readHead(r io.Reader) ([]byte, error) {
	head := make([]byte, 0, peekSize)
	buf := make([]byte, readBufferSize)
	for !decided(head) {
		n, err := r.Read(buf)
		head = append(head, buf[:n]...)
		if err != nil {
			return head, err
		}
	}
	return head, nil
}

// pump reads r until EOF, decoding each read and typing the spans in order.
func pump(ctx context.Context, r io.Reader, dec decoder, tw *Typewriter) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, span := range dec.Decode(buf[:n]) {
				if typeErr := tw.Type(ctx, span); typeErr != nil {
					return typeErr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}

	for _, span := range dec.Flush() {
		if err := tw.Type(ctx, span); err != nil {
			return err
		}
	}
	return nil
}

// settle records the terminal state. It uses a fresh context so a cancelled
// send can still be marked failed.
func (e *Engine) settle(conversationID string, err error) {
	ev := chat.Event{Type: chat.EventStatusChanged, ConversationID: conversationID, Status: chat.StatusSucceeded}
	if err != nil {
		ev.Status = chat.StatusFailed
		ev.Error = err.Error()
		log.Printf("[ingest] ❌ conversation=%s: %v", conversationID, err)
	}
	if applyErr := e.store.Apply(context.Background(), ev); applyErr != nil {
		log.Printf("[ingest] failed to settle conversation=%s: %v", conversationID, applyErr)
	}
}

// cancelled marks err as a cancellation when ctx was cancelled.
func cancelled(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
	}
	return err
}
