// Command reelctl drives a reelflow API from the terminal: it creates
// generations, submits jobs, follows their progress and restores a
// generation's pipeline after an interruption.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dunamismax/reelflow/internal/client"
)

type rootOptions struct {
	server  string
	userID  string
	verbose bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "reelctl",
		Short:         "Submit and follow reelflow generation jobs",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("REELFLOW_URL", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&opts.userID, "user", os.Getenv("REELFLOW_USER"), "user id sent for rate limiting")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newGenerationsCmd(opts),
		newSubmitCmd(opts),
		newWatchCmd(opts),
		newRestoreCmd(opts),
	)
	return root
}

func (o *rootOptions) client() *client.Client {
	var opts []client.Option
	if o.userID != "" {
		opts = append(opts, client.WithUserID(o.userID))
	}
	return client.New(o.server, opts...)
}

func (o *rootOptions) logger(w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if o.verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger().
		Level(level)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
