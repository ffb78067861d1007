package slog_test

import (
	"bytes"
	stdslog "log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftlabs/driftdb/pkg/logger/slog"
)

func TestSlogHandler(t *testing.T) {
	var buff bytes.Buffer
	handler := stdslog.NewTextHandler(&buff, &stdslog.HandlerOptions{Level: stdslog.LevelDebug})

	log := slog.New(handler)
	log.Debug("pull caught up", "seq", 7)
	log.Info("batch transferred", "docs", 3)

	out := buff.String()
	require.Contains(t, out, "pull caught up")
	require.Contains(t, out, "seq=7")
	require.Contains(t, out, "batch transferred")
}
