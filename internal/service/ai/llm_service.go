package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/markchat/backend/internal/config"
)

// ErrEmptyQuestion is returned when there is nothing to answer.
var ErrEmptyQuestion = errors.New("question is required")

// Service answers questions with a chat model, remembering recent turns per
// session.
type Service struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	system       string
	historyLimit int

	mu       sync.Mutex
	sessions map[string][]*schema.Message
}

// NewService creates the answering service from the Ark configuration.
func NewService(ctx context.Context, cfg config.AIConfig, historyLimit int) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, historyLimit)
}

// NewServiceWithModel builds the prompt -> model chain around chatModel.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, historyLimit int) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	if historyLimit < 0 {
		historyLimit = 0
	}

	return &Service{
		chain:        runnable,
		system:       BuildSystemPrompt(),
		historyLimit: historyLimit,
		sessions:     make(map[string][]*schema.Message),
	}, nil
}

// Answer generates a markdown reply and records the exchange in the session.
func (s *Service) Answer(ctx context.Context, sessionID, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	input := map[string]any{
		"system":  s.system,
		"history": s.History(sessionID),
		"query":   question,
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	s.remember(sessionID, schema.UserMessage(question), schema.AssistantMessage(response.Content, nil))
	log.Printf("[answer] generated response for session=%s, length=%d", sessionID, len(response.Content))
	return response.Content, nil
}

// History returns the turns the next question of sessionID will see.
func (s *Service) History(sessionID string) []*schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*schema.Message(nil), s.sessions[sessionID]...)
}

// Forget drops a session's history.
func (s *Service) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func (s *Service) remember(sessionID string, messages ...*schema.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.sessions[sessionID], messages...)
	if len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}
	if len(history) == 0 {
		delete(s.sessions, sessionID)
		return
	}
	s.sessions[sessionID] = history
}
