package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftlabs/driftdb/pkg/remote"
	"github.com/driftlabs/driftdb/pkg/store/sqlitestore"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local store over HTTP for other replicas to sync with",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	cmd.Flags().String("addr", ":7264", "listen address")
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	log, err := buildLogger(v)
	if err != nil {
		return err
	}

	dbPath := v.GetString("db")
	s, err := sqlitestore.Open(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           remote.NewHandler(s, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("driftd serving", "addr", addr, "db", dbPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("driftd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", err)
	}
	return nil
}
