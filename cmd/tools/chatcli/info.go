package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/markchat/backend/internal/config"
)

// newInfoCmd instantiates the info command.
func newInfoCmd(cfg *config.Config) *cobra.Command {
	var opts struct {
		Relay string
	}

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print the relay descriptor",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd.Context(), opts.Relay, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Relay, "relay", cfg.Engine.RelayURL, "Relay endpoint")
	return cmd
}

func runInfo(ctx context.Context, relayURL string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, relayURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned %s", resp.Status)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return fmt.Errorf("decode descriptor: %w", err)
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}
