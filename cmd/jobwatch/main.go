package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/notify"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "jobwatch",
		Short:   "Watch live job changes from a ServeDesk instance",
		Version: Version,
	}
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func watchCmd() *cobra.Command {
	var (
		url          string
		pingInterval time.Duration
		pongWindow   time.Duration
		raw          bool
	)

	cmd := &cobra.Command{
		Use:   "watch [jobId...]",
		Short: "Subscribe to jobs and print every change until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := notify.NewClient(url,
				notify.WithPingInterval(pingInterval),
				notify.WithPongWindow(pongWindow),
			)
			for _, id := range args {
				if err := client.Subscribe(ctx, id); err != nil {
					return err
				}
			}

			done := make(chan error, 1)
			go func() { done <- client.Run(ctx) }()

			out := cmd.OutOrStdout()
			for env := range client.Events() {
				if raw {
					line, _ := json.Marshal(env)
					fmt.Fprintln(out, string(line))
					continue
				}
				printEnvelope(out, env)
			}
			return <-done
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "ws://localhost:4000/ws", "Notification socket URL")
	cmd.Flags().DurationVar(&pingInterval, "ping-interval", notify.DefaultPingInterval, "Interval between pings")
	cmd.Flags().DurationVar(&pongWindow, "pong-window", notify.DefaultPongWindow, "Reconnect when no pong arrives within this window")
	cmd.Flags().BoolVar(&raw, "json", false, "Print raw envelopes as JSON lines")

	return cmd
}

func printEnvelope(out io.Writer, env notify.Envelope) {
	ts := time.Now().Format(time.RFC3339)
	switch env.Type {
	case notify.TypeJobChange:
		fmt.Fprintf(out, "%s  %-10s %s\n", ts, env.JobID, string(env.Data))
	case notify.TypeError:
		fmt.Fprintf(out, "%s  error      %s\n", ts, string(env.Data))
	default:
		fmt.Fprintf(out, "%s  %-10s %s\n", ts, env.Type, env.JobID)
	}
}
