package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/installrelay/internal/client"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the installer under a detached supervisor",
	Long: `Start the installer under a detached supervisor.

Fails with code already_running when a live supervisor owns the mailbox.
Otherwise the mailbox is recreated, the supervisor is spawned, and after a
short settling interval its status is reported.`,
	Args: cobra.NoArgs,
	RunE: runRelay(func(ctx context.Context, c *client.Client, _ []string) (client.Response, error) {
		return c.Start(ctx)
	}),
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report status and output produced since the last check",
	Long: `Report the session status, the pending question if any, and every byte
of installer output appended since the previous check.

A finished session still reports its final status and remaining output.`,
	Args: cobra.NoArgs,
	RunE: runRelay(func(ctx context.Context, c *client.Client, _ []string) (client.Response, error) {
		return c.Check(ctx)
	}),
}

var answerCmd = &cobra.Command{
	Use:   "answer <value>",
	Short: "Answer the question the installer is waiting on",
	Long: `Answer the question the installer is waiting on.

Fails with code wrong_state unless the session status is waiting_input. The
value is trimmed and sent to the installer followed by a newline. An empty
value is a usage error.

Examples:
  installrelay answer y
  installrelay answer "my-project"`,
	Args: cobra.MatchAll(cobra.ExactArgs(1), nonBlankArgs),
	RunE: runRelay(func(ctx context.Context, c *client.Client, args []string) (client.Response, error) {
		return c.Answer(ctx, strings.TrimSpace(args[0]))
	}),
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the supervisor to terminate the installer",
	Args:  cobra.NoArgs,
	RunE: runRelay(func(ctx context.Context, c *client.Client, _ []string) (client.Response, error) {
		return c.Stop(ctx)
	}),
}

func nonBlankArgs(_ *cobra.Command, args []string) error {
	for _, arg := range args {
		if strings.TrimSpace(arg) == "" {
			return errors.New("value must not be empty")
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(startCmd, checkCmd, answerCmd, stopCmd)
}
