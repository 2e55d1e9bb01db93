package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminClient(t *testing.T) {
	var gotKey, gotPath string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotPath = r.URL.Path
		gotBody = nil
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&gotBody)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/storage/tier":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"content not found"}`))
		default:
			w.Write([]byte(`{"operation":"stats","result":{"recent_moves":3}}`))
		}
	}))
	defer ts.Close()

	c := newAdminClient(ts.URL+"/", "secret", time.Second)
	ctx := context.Background()

	out, err := c.RunLifecycle(ctx, "stats")
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "/v1/storage/lifecycle", gotPath)
	assert.Equal(t, "stats", gotBody["operation"])
	assert.Equal(t, "stats", out["operation"])

	_, err = c.MoveTier(ctx, "abc", "hot", "cold", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "content not found")
	assert.Equal(t, true, gotBody["force"])

	_, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/v1/storage/stats", gotPath)
}
