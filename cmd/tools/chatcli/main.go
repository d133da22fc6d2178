package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/markchat/backend/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	cobra.CheckErr(err)

	cobra.CheckErr(newRootCmd(cfg).ExecuteContext(ctx))
}

// newRootCmd instantiates the chatcli command tree.
func newRootCmd(cfg *config.Config) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:           "chatcli",
		Short:         "Talk to a markchat relay from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !verbose {
				log.SetOutput(io.Discard)
			}
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print service logs to stderr")
	cmd.AddCommand(newAskCmd(cfg), newInfoCmd(cfg))
	return cmd
}
