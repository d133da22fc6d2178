package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/markchat/backend/internal/config"
	model "github.com/zhouzirui/markchat/backend/internal/model/chat"
	"github.com/zhouzirui/markchat/backend/internal/service/chat"
	"github.com/zhouzirui/markchat/backend/internal/service/ingest"
	"github.com/zhouzirui/markchat/backend/internal/storage"
)

type askOptions struct {
	Relay        string
	Conversation string
	StorePath    string
	Batch        int
	Delay        time.Duration
	Render       bool
	Width        int
}

// newAskCmd instantiates the ask command.
func newAskCmd(cfg *config.Config) *cobra.Command {
	opts := askOptions{
		Relay: cfg.Engine.RelayURL,
		Batch: cfg.Engine.BatchSize,
		Delay: cfg.Engine.Delay,
	}

	cmd := &cobra.Command{
		Use:   "ask [question...]",
		Short: "Ask a question and type the answer as it streams",
		Long: "Ask a question through the relay and print the answer as it is typed. " +
			"Pass --store to keep conversations between runs and --conversation to continue one.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engineCfg := cfg.Engine
			engineCfg.RelayURL = opts.Relay
			engineCfg.BatchSize = opts.Batch
			engineCfg.Delay = opts.Delay
			return runAsk(cmd.Context(), engineCfg, opts, strings.Join(args, " "), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.Relay, "relay", opts.Relay, "Relay endpoint")
	cmd.Flags().StringVarP(&opts.Conversation, "conversation", "c", "", "Continue a stored conversation")
	cmd.Flags().StringVar(&opts.StorePath, "store", "", "SQLite file for conversations (memory when empty)")
	cmd.Flags().IntVar(&opts.Batch, "batch", opts.Batch, "Characters revealed per step")
	cmd.Flags().DurationVar(&opts.Delay, "delay", opts.Delay, "Pause between steps")
	cmd.Flags().BoolVarP(&opts.Render, "render", "r", false, "Render the final answer as markdown")
	cmd.Flags().IntVar(&opts.Width, "width", 80, "Word wrap width for --render")
	return cmd
}

func runAsk(ctx context.Context, engineCfg config.EngineConfig, opts askOptions, question string, out, errOut io.Writer) error {
	store, closeStore, err := openStore(ctx, opts.StorePath)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := chat.NewService(store)
	if err := svc.Load(ctx); err != nil {
		return err
	}

	conversationID := opts.Conversation
	if conversationID == "" {
		conv, err := svc.CreateConversation(ctx, "")
		if err != nil {
			return err
		}
		conversationID = conv.ID
	} else if _, err := svc.GetConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("conversation %s: %w", conversationID, err)
	}

	events, unsubscribe, err := svc.Subscribe(ctx, conversationID)
	if err != nil {
		return err
	}

	var shown string
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			if ev.Type == model.EventMessageAppended || ev.Type == model.EventMessageFinished {
				shown = printSuffix(out, shown, ev.Content)
			}
		}
	}()

	engine := ingest.NewEngine(engineCfg, svc, nil)
	reply, sendErr := engine.Send(ctx, conversationID, question, ingest.Settings{})
	unsubscribe()
	<-printed

	if sendErr != nil {
		return sendErr
	}

	// Catch up on whatever a lagging subscription skipped.
	printSuffix(out, shown, reply.Content)
	fmt.Fprintln(out)
	if opts.Render {
		fmt.Fprint(out, renderMarkdown(reply.Content, opts.Width))
	}
	fmt.Fprintf(errOut, "conversation: %s\n", conversationID)
	return nil
}

// printSuffix writes the part of content not yet on screen and returns the
// screen text. Normalization only inserts or collapses newlines in text that
// is already shown, so those are stepped over when lining the two up.
func printSuffix(out io.Writer, shown, content string) string {
	i, j := 0, 0
	for i < len(shown) && j < len(content) {
		switch {
		case shown[i] == content[j]:
			i++
			j++
		case content[j] == '\n':
			j++
		case shown[i] == '\n':
			i++
		default:
			return shown
		}
	}
	if i < len(shown) || j == len(content) {
		return shown
	}
	fmt.Fprint(out, content[j:])
	return shown + content[j:]
}

func openStore(ctx context.Context, path string) (storage.Store, func(), error) {
	if path == "" {
		return storage.NewMemory(), func() {}, nil
	}
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = db.Close() }, nil
}

// renderMarkdown returns content unchanged when rendering fails.
func renderMarkdown(content string, width int) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}
