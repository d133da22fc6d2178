package chat_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	model "github.com/zhouzirui/markchat/backend/internal/model/chat"
	chat "github.com/zhouzirui/markchat/backend/internal/service/chat"
	"github.com/zhouzirui/markchat/backend/internal/storage"
)

func TestServiceGetConversation(t *testing.T) {
	svc := chat.NewService(nil)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("CreateConversation err: %v", err)
	}

	got, err := svc.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation err: %v", err)
	}

	if got.ID != conv.ID {
		t.Fatalf("unexpected conversation ID: got %s want %s", got.ID, conv.ID)
	}
	if got.Title != model.DefaultTitle {
		t.Fatalf("unexpected title: got %s", got.Title)
	}

	status, _, err := svc.Status(ctx, conv.ID)
	if err != nil || status != model.StatusIdle {
		t.Fatalf("expected idle status, got %s (%v)", status, err)
	}
}

func TestServiceGetConversationNotFound(t *testing.T) {
	svc := chat.NewService(nil)
	ctx := context.Background()

	if _, err := svc.GetConversation(ctx, "missing"); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestServiceRenameDeleteList(t *testing.T) {
	svc := chat.NewService(nil)
	ctx := context.Background()

	first, _ := svc.CreateConversation(ctx, "first")
	second, _ := svc.CreateConversation(ctx, "second")

	if _, err := svc.RenameConversation(ctx, first.ID, "  "); !errors.Is(err, chat.ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}

	renamed, err := svc.RenameConversation(ctx, first.ID, "renamed")
	if err != nil {
		t.Fatalf("RenameConversation err: %v", err)
	}
	if renamed.Title != "renamed" {
		t.Fatalf("unexpected title %q", renamed.Title)
	}

	list := svc.ListConversations(ctx)
	if len(list) != 2 || list[0].ID != first.ID {
		t.Fatalf("expected renamed conversation first, got %+v", list)
	}

	if err := svc.DeleteConversation(ctx, second.ID); err != nil {
		t.Fatalf("DeleteConversation err: %v", err)
	}
	if _, err := svc.Messages(ctx, second.ID); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Fatalf("expected messages dropped, got %v", err)
	}
	if err := svc.DeleteConversation(ctx, second.ID); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestServiceApplyUpdatesByIdentity(t *testing.T) {
	svc := chat.NewService(nil)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, "")

	events, cancel, err := svc.Subscribe(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Subscribe err: %v", err)
	}
	defer cancel()

	apply := func(ev model.Event) {
		t.Helper()
		ev.ConversationID = conv.ID
		if err := svc.Apply(ctx, ev); err != nil {
			t.Fatalf("Apply(%s) err: %v", ev.Type, err)
		}
	}

	apply(model.Event{Type: model.EventMessageAdded, Message: &model.Message{ID: "u1", Role: model.RoleUser, Content: "How do I\nstream bytes?"}})
	apply(model.Event{Type: model.EventMessageStarted, Message: &model.Message{ID: "a1", Role: model.RoleAssistant}})
	apply(model.Event{Type: model.EventMessageAppended, MessageID: "a1", Content: "Use", Delta: "Use"})
	apply(model.Event{Type: model.EventMessageAppended, MessageID: "a1", Content: "Use io", Delta: " io"})
	apply(model.Event{Type: model.EventMessageFinished, MessageID: "a1", Content: "Use io.Reader"})

	messages, _ := svc.Messages(ctx, conv.ID)
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[1].ID != "a1" || messages[1].Content != "Use io.Reader" {
		t.Fatalf("unexpected assistant message %+v", messages[1])
	}

	got, _ := svc.GetConversation(ctx, conv.ID)
	if got.Title != "How do I stream bytes?" {
		t.Fatalf("expected auto title, got %q", got.Title)
	}

	if len(events) != 5 {
		t.Fatalf("expected 5 events delivered, got %d", len(events))
	}

	err = svc.Apply(ctx, model.Event{Type: model.EventMessageAppended, ConversationID: conv.ID, MessageID: "nope"})
	if !errors.Is(err, chat.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestServiceBeginSendGuard(t *testing.T) {
	svc := chat.NewService(nil)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, "")

	if err := svc.BeginSend(ctx, conv.ID); err != nil {
		t.Fatalf("BeginSend err: %v", err)
	}
	if err := svc.BeginSend(ctx, conv.ID); !errors.Is(err, chat.ErrSendInFlight) {
		t.Fatalf("expected ErrSendInFlight, got %v", err)
	}
	if err := svc.ClearMessages(ctx, conv.ID); !errors.Is(err, chat.ErrSendInFlight) {
		t.Fatalf("expected clear to be refused while sending, got %v", err)
	}

	_ = svc.Apply(ctx, model.Event{Type: model.EventStatusChanged, ConversationID: conv.ID, Status: model.StatusFailed, Error: "boom"})
	status, msg, _ := svc.Status(ctx, conv.ID)
	if status != model.StatusFailed || msg != "boom" {
		t.Fatalf("unexpected status %s %q", status, msg)
	}

	if err := svc.BeginSend(ctx, conv.ID); err != nil {
		t.Fatalf("BeginSend after settle err: %v", err)
	}
	if _, msg, _ := svc.Status(ctx, conv.ID); msg != "" {
		t.Fatalf("expected error cleared on new send, got %q", msg)
	}
}

func TestServiceDeleteClosesSubscriptions(t *testing.T) {
	svc := chat.NewService(nil)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, "")

	events, cancel, _ := svc.Subscribe(ctx, conv.ID)
	defer cancel()

	_ = svc.DeleteConversation(ctx, conv.ID)
	if _, ok := <-events; ok {
		t.Fatal("expected subscription closed")
	}
}

func TestServicePersistsAndRestores(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()

	svc := chat.NewService(store)
	conv, _ := svc.CreateConversation(ctx, "kept")
	_ = svc.Apply(ctx, model.Event{Type: model.EventMessageAdded, ConversationID: conv.ID, Message: &model.Message{ID: "u1", Role: model.RoleUser, Content: "hi"}})
	_ = svc.Apply(ctx, model.Event{Type: model.EventMessageStarted, ConversationID: conv.ID, Message: &model.Message{ID: "a1", Role: model.RoleAssistant}})
	_ = svc.Apply(ctx, model.Event{Type: model.EventMessageFinished, ConversationID: conv.ID, MessageID: "a1", Content: "hello"})

	restored := chat.NewService(store)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load err: %v", err)
	}

	messages, err := restored.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Messages err: %v", err)
	}
	if len(messages) != 2 || messages[1].Content != "hello" {
		t.Fatalf("unexpected restored messages %+v", messages)
	}
}

func TestServiceLoadFallsBackToBackup(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()

	svc := chat.NewService(store)
	conv, _ := svc.CreateConversation(ctx, "first")
	_, _ = svc.RenameConversation(ctx, conv.ID, "second")

	if err := store.Set(ctx, "markchat-data", "{corrupt"); err != nil {
		t.Fatalf("Set err: %v", err)
	}

	restored := chat.NewService(store)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load err: %v", err)
	}
	got, err := restored.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("expected conversation from backup: %v", err)
	}
	if got.Title != "first" {
		t.Fatalf("expected backup snapshot title, got %q", got.Title)
	}

	if err := restored.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll err: %v", err)
	}
	if _, err := store.Get(ctx, "markchat-data"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected data removed, got %v", err)
	}
	if len(restored.ListConversations(ctx)) != 0 {
		t.Fatal("expected no conversations after ClearAll")
	}
}

func TestServiceRejectsUnknownRole(t *testing.T) {
	svc := chat.NewService(nil)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, "")

	err := svc.Apply(ctx, model.Event{Type: model.EventMessageAdded, ConversationID: conv.ID, Message: &model.Message{ID: "x1", Role: "robot", Content: "hi"}})
	if !errors.Is(err, chat.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if messages, _ := svc.Messages(ctx, conv.ID); len(messages) != 0 {
		t.Fatalf("expected no messages, got %d", len(messages))
	}
}

func TestServiceTouchMovesConversationFirst(t *testing.T) {
	svc := chat.NewService(storage.NewMemory())
	ctx := context.Background()

	older, _ := svc.CreateConversation(ctx, "older")
	time.Sleep(2 * time.Millisecond)
	newer, _ := svc.CreateConversation(ctx, "newer")
	if list := svc.ListConversations(ctx); list[0].ID != newer.ID {
		t.Fatalf("expected newest first, got %s", list[0].Title)
	}

	time.Sleep(2 * time.Millisecond)
	if err := svc.TouchConversation(ctx, older.ID); err != nil {
		t.Fatalf("TouchConversation err: %v", err)
	}
	if list := svc.ListConversations(ctx); list[0].ID != older.ID {
		t.Fatalf("expected touched conversation first, got %s", list[0].Title)
	}
	if err := svc.TouchConversation(ctx, "missing"); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestServiceClearAllRefusedWhileSending(t *testing.T) {
	svc := chat.NewService(nil)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, "")

	_ = svc.BeginSend(ctx, conv.ID)
	if err := svc.ClearAll(ctx); !errors.Is(err, chat.ErrSendInFlight) {
		t.Fatalf("expected ErrSendInFlight, got %v", err)
	}

	_ = svc.Apply(ctx, model.Event{Type: model.EventStatusChanged, ConversationID: conv.ID, Status: model.StatusSucceeded})
	if err := svc.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll err: %v", err)
	}
	if _, err := svc.GetConversation(ctx, conv.ID); !errors.Is(err, chat.ErrConversationNotFound) {
		t.Fatalf("expected conversation gone, got %v", err)
	}
}

func TestServiceLaggingSubscriber(t *testing.T) {
	svc := chat.NewService(nil)
	ctx := context.Background()
	conv, _ := svc.CreateConversation(ctx, "")

	events, cancel, _ := svc.Subscribe(ctx, conv.ID)
	defer cancel()

	_ = svc.Apply(ctx, model.Event{Type: model.EventMessageStarted, ConversationID: conv.ID, Message: &model.Message{ID: "a1", Role: model.RoleAssistant}})
	content := ""
	for i := 0; i < 300; i++ {
		content += "x"
		if err := svc.Apply(ctx, model.Event{Type: model.EventMessageAppended, ConversationID: conv.ID, MessageID: "a1", Content: content}); err != nil {
			t.Fatalf("Apply err: %v", err)
		}
	}

	// The buffer is full of appends; the finish must not vanish silently.
	_ = svc.Apply(ctx, model.Event{Type: model.EventMessageFinished, ConversationID: conv.ID, MessageID: "a1", Content: content})

	received := 0
	for range events {
		received++
	}
	if received != 256 {
		t.Fatalf("expected the buffered events before close, got %d", received)
	}

	again, cancelAgain, err := svc.Subscribe(ctx, conv.ID)
	if err != nil {
		t.Fatalf("resubscribe err: %v", err)
	}
	defer cancelAgain()
	_ = svc.Apply(ctx, model.Event{Type: model.EventStatusChanged, ConversationID: conv.ID, Status: model.StatusSucceeded})
	if ev := <-again; ev.Status != model.StatusSucceeded {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestTitleFromMessage(t *testing.T) {
	long := strings.Repeat("a", 60)
	if got := model.TitleFromMessage(long); got != strings.Repeat("a", 50)+"..." {
		t.Fatalf("unexpected long title %q", got)
	}
	if got := model.TitleFromMessage("  short\nquestion "); got != "short question" {
		t.Fatalf("unexpected short title %q", got)
	}
}
