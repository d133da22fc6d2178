package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/markchat/backend/internal/model/chat"
	"github.com/zhouzirui/markchat/backend/internal/storage"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrTitleRequired        = errors.New("title is required")
	ErrSendInFlight         = errors.New("a send is already in flight for this conversation")
	ErrUnknownEvent         = errors.New("unknown event type")
	ErrInvalidRole          = errors.New("invalid message role")
)

// subscriberBuffer bounds how far a slow subscriber may lag. Past it, appended
// events are skipped (each carries the full content) and any other event
// closes the subscription so the client resubscribes.
const subscriberBuffer = 256

// Service encapsulates conversation state management. All writes for one
// conversation go through it, so they are serialized.
type Service struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	messages      map[string][]chat.Message
	status        map[string]chat.Status
	errors        map[string]string
	subscribers   map[string]map[uint64]chan chat.Event
	nextSub       uint64

	store   storage.Store
	persist *persister
	now     func() time.Time
}

// NewService bootstraps the chat service. A nil store keeps everything in memory.
func NewService(store storage.Store) *Service {
	s := &Service{
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string][]chat.Message),
		status:        make(map[string]chat.Status),
		errors:        make(map[string]string),
		subscribers:   make(map[string]map[uint64]chan chat.Event),
		store:         store,
		now:           func() time.Time { return time.Now().UTC() },
	}
	if store != nil {
		s.persist = &persister{store: store}
	}
	return s
}

// CreateConversation provisions a conversation, newest first in listings.
func (s *Service) CreateConversation(ctx context.Context, title string) (chat.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = chat.DefaultTitle
	}

	now := s.now()
	conv := chat.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.messages[conv.ID] = make([]chat.Message, 0, 16)
	s.status[conv.ID] = chat.StatusIdle
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.save(ctx, snap)
	log.Printf("[chat] created conversation=%s title=%q", conv.ID, conv.Title)
	return conv, nil
}

// GetConversation retrieves a conversation by identifier.
func (s *Service) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// ListConversations returns conversations, most recently updated first.
func (s *Service) ListConversations(_ context.Context) []chat.Conversation {
	s.mu.RLock()
	items := make([]chat.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		items = append(items, conv)
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items
}

// RenameConversation changes the title and bumps the update time.
func (s *Service) RenameConversation(ctx context.Context, id, title string) (chat.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return chat.Conversation{}, ErrTitleRequired
	}

	s.mu.Lock()
	conv, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return chat.Conversation{}, ErrConversationNotFound
	}
	conv.Title = title
	conv.UpdatedAt = s.now()
	s.conversations[id] = conv
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.save(ctx, snap)
	return conv, nil
}

// TouchConversation bumps the update time, moving the conversation to the
// top of listings. A send touches its conversation as it starts.
func (s *Service) TouchConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	if err := s.touchLocked(id); err != nil {
		s.mu.Unlock()
		return err
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.save(ctx, snap)
	return nil
}

// DeleteConversation drops the conversation, its messages, status and error,
// and closes its subscriptions.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.conversations[id]; !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	delete(s.status, id)
	delete(s.errors, id)
	for key, ch := range s.subscribers[id] {
		close(ch)
		delete(s.subscribers[id], key)
	}
	delete(s.subscribers, id)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.save(ctx, snap)
	log.Printf("[chat] deleted conversation=%s", id)
	return nil
}

// Messages returns a copy of the conversation's messages.
func (s *Service) Messages(_ context.Context, id string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[id]
	if !ok {
		return nil, ErrConversationNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// History is the ordered message list a send builds its request from.
func (s *Service) History(ctx context.Context, id string) ([]chat.Message, error) {
	return s.Messages(ctx, id)
}

// DeleteMessage removes a single message by identity.
func (s *Service) DeleteMessage(ctx context.Context, id, messageID string) error {
	s.mu.Lock()
	messages, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	idx := indexOf(messages, messageID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	s.messages[id] = append(messages[:idx:idx], messages[idx+1:]...)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.save(ctx, snap)
	return nil
}

// ClearMessages empties the conversation and resets its status.
func (s *Service) ClearMessages(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.messages[id]; !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	if s.status[id].InFlight() {
		s.mu.Unlock()
		return ErrSendInFlight
	}
	s.messages[id] = make([]chat.Message, 0, 16)
	s.status[id] = chat.StatusIdle
	delete(s.errors, id)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.save(ctx, snap)
	return nil
}

// Status reports the send status and last error of a conversation.
func (s *Service) Status(_ context.Context, id string) (chat.Status, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[id]; !ok {
		return "", "", ErrConversationNotFound
	}
	status := s.status[id]
	if status == "" {
		status = chat.StatusIdle
	}
	return status, s.errors[id], nil
}

// BeginSend moves an idle or settled conversation to sending. It fails with
// ErrSendInFlight while a previous send is unsettled.
func (s *Service) BeginSend(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return ErrConversationNotFound
	}
	if s.status[id].InFlight() {
		return ErrSendInFlight
	}

	s.status[id] = chat.StatusSending
	delete(s.errors, id)
	s.broadcastLocked(chat.Event{
		Type:           chat.EventStatusChanged,
		ConversationID: id,
		Status:         chat.StatusSending,
	})
	return nil
}

// Apply applies a state transition and forwards it to subscribers.
func (s *Service) Apply(ctx context.Context, ev chat.Event) error {
	s.mu.Lock()

	if _, ok := s.conversations[ev.ConversationID]; !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}

	persistAfter := false
	switch ev.Type {
	case chat.EventMessageAdded, chat.EventMessageStarted:
		if ev.Message == nil || ev.Message.ID == "" {
			s.mu.Unlock()
			return fmt.Errorf("%s requires a message", ev.Type)
		}
		if !ev.Message.Role.Valid() {
			s.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrInvalidRole, ev.Message.Role)
		}
		msg := *ev.Message
		msg.ConversationID = ev.ConversationID
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = s.now()
		}
		s.autoTitleLocked(ev.ConversationID, msg)
		s.messages[ev.ConversationID] = append(s.messages[ev.ConversationID], msg)
		persistAfter = ev.Type == chat.EventMessageAdded

	case chat.EventMessageAppended, chat.EventMessageFinished:
		messages := s.messages[ev.ConversationID]
		idx := indexOf(messages, ev.MessageID)
		if idx < 0 {
			s.mu.Unlock()
			return ErrMessageNotFound
		}
		messages[idx].Content = ev.Content
		if ev.Type == chat.EventMessageFinished {
			_ = s.touchLocked(ev.ConversationID)
			persistAfter = true
		}

	case chat.EventStatusChanged:
		s.status[ev.ConversationID] = ev.Status
		if ev.Error != "" {
			s.errors[ev.ConversationID] = ev.Error
		} else {
			delete(s.errors, ev.ConversationID)
		}
		persistAfter = ev.Status.Settled()

	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Type)
	}

	s.broadcastLocked(ev)

	var snap *snapshot
	if persistAfter {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if snap != nil {
		s.save(ctx, snap)
	}
	return nil
}

// Subscribe streams events of one conversation until cancel is called or the
// conversation is deleted.
func (s *Service) Subscribe(_ context.Context, id string) (<-chan chat.Event, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return nil, nil, ErrConversationNotFound
	}

	s.nextSub++
	key := s.nextSub
	ch := make(chan chat.Event, subscriberBuffer)
	if s.subscribers[id] == nil {
		s.subscribers[id] = make(map[uint64]chan chat.Event)
	}
	s.subscribers[id][key] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if subs, ok := s.subscribers[id]; ok {
				if c, ok := subs[key]; ok {
					close(c)
					delete(subs, key)
				}
			}
		})
	}
	return ch, cancel, nil
}

func (s *Service) broadcastLocked(ev chat.Event) {
	subs := s.subscribers[ev.ConversationID]
	for key, ch := range subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if ev.Type == chat.EventMessageAppended {
			continue
		}
		log.Printf("[chat] subscriber lagging, closing it at %s for conversation=%s", ev.Type, ev.ConversationID)
		close(ch)
		delete(subs, key)
	}
}

func (s *Service) touchLocked(id string) error {
	conv, ok := s.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	conv.UpdatedAt = s.now()
	s.conversations[id] = conv
	return nil
}

// autoTitleLocked names an untitled conversation after its first user message.
func (s *Service) autoTitleLocked(id string, msg chat.Message) {
	if msg.Role != chat.RoleUser || len(s.messages[id]) > 0 {
		return
	}
	conv := s.conversations[id]
	if conv.Title != chat.DefaultTitle {
		return
	}
	conv.Title = chat.TitleFromMessage(msg.Content)
	s.conversations[id] = conv
}

func indexOf(messages []chat.Message, id string) int {
	for i := range messages {
		if messages[i].ID == id {
			return i
		}
	}
	return -1
}
