package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"
)

// echoModel answers with the question and records every prompt it saw.
type echoModel struct {
	mu     sync.Mutex
	inputs [][]*schema.Message
	err    error
}

func (m *echoModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	if m.err != nil {
		return nil, m.err
	}
	last := input[len(input)-1]
	return schema.AssistantMessage("## "+last.Content, nil), nil
}

func (m *echoModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *echoModel) BindTools(_ []*schema.ToolInfo) error {
	return nil
}

func TestAnswerUsesPromptAndHistory(t *testing.T) {
	ctx := context.Background()
	fake := &echoModel{}
	svc, err := NewServiceWithModel(ctx, fake, 10)
	require.NoError(t, err)

	answer, err := svc.Answer(ctx, "s1", "  first  ")
	require.NoError(t, err)
	require.Equal(t, "## first", answer)

	_, err = svc.Answer(ctx, "s1", "second")
	require.NoError(t, err)

	require.Len(t, fake.inputs, 2)
	second := fake.inputs[1]
	require.Equal(t, schema.System, second[0].Role)
	require.True(t, strings.Contains(second[0].Content, "Markdown"))
	require.Len(t, second, 4)
	require.Equal(t, "first", second[1].Content)
	require.Equal(t, "## first", second[2].Content)
	require.Equal(t, "second", second[3].Content)

	// Sessions are isolated.
	require.Empty(t, svc.History("s2"))
}

func TestAnswerTrimsHistory(t *testing.T) {
	ctx := context.Background()
	svc, err := NewServiceWithModel(ctx, &echoModel{}, 3)
	require.NoError(t, err)

	for _, q := range []string{"a", "b", "c"} {
		_, err := svc.Answer(ctx, "s", q)
		require.NoError(t, err)
	}

	history := svc.History("s")
	require.Len(t, history, 3)
	require.Equal(t, "## b", history[0].Content)
	require.Equal(t, "## c", history[2].Content)

	svc.Forget("s")
	require.Empty(t, svc.History("s"))
}

func TestAnswerErrors(t *testing.T) {
	ctx := context.Background()
	fake := &echoModel{err: errors.New("quota exceeded")}
	svc, err := NewServiceWithModel(ctx, fake, 10)
	require.NoError(t, err)

	_, err = svc.Answer(ctx, "s", " ")
	require.ErrorIs(t, err, ErrEmptyQuestion)

	_, err = svc.Answer(ctx, "s", "hi")
	require.Error(t, err)
	require.Contains(t, err.Error(), "quota exceeded")
	require.Empty(t, svc.History("s"))
}

func TestZeroHistoryLimitKeepsNothing(t *testing.T) {
	ctx := context.Background()
	fake := &echoModel{}
	svc, err := NewServiceWithModel(ctx, fake, 0)
	require.NoError(t, err)

	_, _ = svc.Answer(ctx, "s", "one")
	_, _ = svc.Answer(ctx, "s", "two")
	require.Len(t, fake.inputs[1], 2)
}
