package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftlabs/driftdb"
	"github.com/driftlabs/driftdb/pkg/session"
)

func newSyncCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync the local store with a remote driftd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), v)
		},
	}
	cmd.Flags().String("remote", "", "base URL of the remote server (required)")
	cmd.Flags().Bool("live", false, "keep syncing after the initial catch-up")
	cmd.Flags().Bool("retry", false, "retry transient failures with backoff")
	cmd.Flags().Int("batch-size", 100, "changes per replication batch")
	cmd.Flags().StringSlice("header", nil, "extra request header, key=value (repeatable)")
	return cmd
}

func runSync(ctx context.Context, v *viper.Viper) error {
	remoteURL := v.GetString("remote")
	if remoteURL == "" {
		return fmt.Errorf("--remote is required")
	}

	log, err := buildLogger(v)
	if err != nil {
		return err
	}

	headers := make(map[string]string)
	for _, h := range v.GetStringSlice("header") {
		key, value, ok := strings.Cut(h, "=")
		if !ok {
			return fmt.Errorf("invalid header %q, expected key=value", h)
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	db, err := driftdb.Open(v.GetString("db"), driftdb.WithLogger(log))
	if err != nil {
		return err
	}
	defer db.Close()

	events, cancelSub := db.Subscribe()
	defer cancelSub()
	go func() {
		for ev := range eventsOrDone(ctx, events) {
			switch ev.Kind {
			case session.EventChange:
				log.Info("synced", "direction", ev.Direction, "docs", ev.Docs, "revs", ev.Revs, "seq", ev.Seq)
			case session.EventPaused:
				log.Debug("caught up", "seq", ev.Seq)
			case session.EventActive:
				log.Debug("resumed", "direction", ev.Direction)
			case session.EventError:
				log.Warn("sync error", "direction", ev.Direction, "error", ev.Err)
			case session.EventDenied:
				log.Error("sync denied", "direction", ev.Direction, "error", ev.Err)
			}
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = db.StartSync(ctx, driftdb.SyncConfig{
		Remote:    remoteURL,
		Headers:   headers,
		Live:      v.GetBool("live"),
		Retry:     v.GetBool("retry"),
		BatchSize: v.GetInt("batch-size"),
	})
	if err != nil {
		return err
	}

	if v.GetBool("live") {
		log.Info("live sync running", "remote", remoteURL)
		<-ctx.Done()
		db.StopSync()
		return nil
	}

	if err := db.WaitSync(); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	log.Info("sync complete", "remote", remoteURL)
	return nil
}

// eventsOrDone adapts a subscription channel so the logging goroutine
// exits with the command instead of leaking.
func eventsOrDone(ctx context.Context, in <-chan session.Event) <-chan session.Event {
	out := make(chan session.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-in:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
