package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/markchat/backend/internal/model/chat"
	"github.com/zhouzirui/markchat/backend/internal/storage"
)

const (
	dataKey   = "markchat-data"
	backupKey = "markchat-backup"
)

type snapshot struct {
	seq           uint64
	Conversations []chat.Conversation       `json:"conversations"`
	Messages      map[string][]chat.Message `json:"messages"`
	Timestamp     time.Time                 `json:"timestamp"`
}

// persister writes snapshots in order and skips ones superseded by a newer write.
type persister struct {
	store storage.Store

	mu      sync.Mutex
	seq     uint64
	written uint64
}

func (s *Service) snapshotLocked() *snapshot {
	if s.persist == nil {
		return nil
	}

	snap := &snapshot{
		Conversations: make([]chat.Conversation, 0, len(s.conversations)),
		Messages:      make(map[string][]chat.Message, len(s.messages)),
		Timestamp:     s.now(),
	}
	for _, conv := range s.conversations {
		snap.Conversations = append(snap.Conversations, conv)
	}
	for id, messages := range s.messages {
		copied := make([]chat.Message, len(messages))
		copy(copied, messages)
		snap.Messages[id] = copied
	}

	s.persist.mu.Lock()
	s.persist.seq++
	snap.seq = s.persist.seq
	s.persist.mu.Unlock()
	return snap
}

func (s *Service) save(ctx context.Context, snap *snapshot) {
	if snap == nil || s.persist == nil {
		return
	}
	if err := s.persist.write(ctx, snap); err != nil {
		log.Printf("[chat] failed to save data: %v", err)
	}
}

func (p *persister) write(ctx context.Context, snap *snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.seq <= p.written {
		return nil
	}
	if !p.store.Available() {
		return storage.ErrUnavailable
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if previous, err := p.store.Get(ctx, dataKey); err == nil {
		if err := p.store.Set(ctx, backupKey, previous); err != nil {
			log.Printf("[chat] failed to write backup: %v", err)
		}
	}

	if err := p.store.Set(ctx, dataKey, string(data)); err != nil {
		return err
	}
	p.written = snap.seq
	return nil
}

// Load restores conversations from storage, falling back to the backup when
// the primary snapshot is missing or unreadable. Statuses restart idle.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil || !s.store.Available() {
		return nil
	}

	snap, err := s.readSnapshot(ctx, dataKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("[chat] failed to load data, trying backup: %v", err)
		}
		snap, err = s.readSnapshot(ctx, backupKey)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recover from backup: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range snap.Conversations {
		s.conversations[conv.ID] = conv
		s.status[conv.ID] = chat.StatusIdle
		s.messages[conv.ID] = append([]chat.Message(nil), snap.Messages[conv.ID]...)
	}
	log.Printf("[chat] restored %d conversations", len(snap.Conversations))
	return nil
}

// ClearAll forgets every conversation and removes both stored snapshots. It
// refuses while any send is unsettled.
func (s *Service) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	for _, status := range s.status {
		if status.InFlight() {
			s.mu.Unlock()
			return ErrSendInFlight
		}
	}
	for id, subs := range s.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.subscribers, id)
	}
	s.conversations = make(map[string]chat.Conversation)
	s.messages = make(map[string][]chat.Message)
	s.status = make(map[string]chat.Status)
	s.errors = make(map[string]string)
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}

	s.persist.mu.Lock()
	defer s.persist.mu.Unlock()
	s.persist.written = s.persist.seq
	if err := s.store.Remove(ctx, dataKey); err != nil {
		return err
	}
	return s.store.Remove(ctx, backupKey)
}

func (s *Service) readSnapshot(ctx context.Context, key string) (*snapshot, error) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &snap, nil
}
