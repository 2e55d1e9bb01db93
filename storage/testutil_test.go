package storage

import (
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestFileDriver(t *testing.T) *FileDriver {
	t.Helper()
	d, err := NewFileDriver(t.TempDir(), nil, testLogger())
	require.NoError(t, err)
	return d
}

func readAll(t *testing.T, r *interfaces.ObjectReader) []byte {
	t.Helper()
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}
