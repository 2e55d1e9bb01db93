package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/tiered-content-storage/common"
	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/lifecycle"
	"github.com/ruteri/tiered-content-storage/metastore"
	"github.com/ruteri/tiered-content-storage/metrics"
	"github.com/ruteri/tiered-content-storage/routing"
	"github.com/ruteri/tiered-content-storage/service"
	"github.com/ruteri/tiered-content-storage/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "operator-secret"

type driverMap map[string]interfaces.StorageDriver

func (m driverMap) Driver(backend string) (interfaces.StorageDriver, error) {
	d, ok := m[backend]
	if !ok {
		return nil, interfaces.ErrConfiguration
	}
	return d, nil
}

func newTestServer(t *testing.T, maxRangeBytes int64) http.Handler {
	t.Helper()
	log := common.DiscardLogger()

	cfg := config.Default()
	cfg.Storage.DataRoot = t.TempDir()
	cfg.Migration.CheckpointFile = filepath.Join(t.TempDir(), "migration.checkpoint")

	driver, err := storage.NewFileDriver(cfg.Storage.DataRoot, nil, log)
	require.NoError(t, err)
	archive, err := storage.NewFileDriver(t.TempDir(), nil, log)
	require.NoError(t, err)
	store, err := metastore.Open(metastore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	svc := service.New(cfg, service.Components{
		Driver:    driver,
		Store:     store,
		Locations: storage.NewMultiLocationBackend([]interfaces.LocationBackend{storage.NewDriverLocationBackend(driver, cfg.Storage.DefaultTier)}, log),
		Router:    routing.New(store, store, cfg.Routing, log, nil),
		Lifecycle: lifecycle.NewManager(driver, store, cfg.Lifecycle, log, nil),
		Drivers:   driverMap{"fs": driver, "archive": archive},
		Log:       log,
	})

	ms, err := metrics.New(common.PackageName, "")
	require.NoError(t, err)
	srv, err := New(&HTTPServerConfig{Log: log, Metrics: ms},
		NewHandler(svc, maxRangeBytes, log),
		NewAdminHandler(svc, testAPIKey, log))
	require.NoError(t, err)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func putContent(t *testing.T, h http.Handler, data []byte) service.PutResult {
	t.Helper()
	rr := do(t, h, http.MethodPut, "/v1/content?tier=hot", bytes.NewReader(data), map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var res service.PutResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	return res
}

func TestPutAndGetContent(t *testing.T) {
	h := newTestServer(t, 0)
	data := []byte("0123456789abcdef")

	res := putContent(t, h, data)
	assert.Equal(t, interfaces.ComputeHash(data), res.ContentHash)
	assert.Equal(t, interfaces.TierHot, res.Tier)

	rr := do(t, h, http.MethodGet, "/v1/content/"+string(res.ContentHash), nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, data, rr.Body.Bytes())
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	assert.Equal(t, string(res.ContentHash), rr.Header().Get(ContentHashHeader))
	assert.Equal(t, "hot", rr.Header().Get(StorageTierHeader))
	assert.Equal(t, "MISS", rr.Header().Get(CacheHeader))
	assert.Equal(t, "bytes", rr.Header().Get("Accept-Ranges"))

	rr = do(t, h, http.MethodGet, "/v1/content/"+string(res.ContentHash), nil, map[string]string{"Range": "bytes=2-5"})
	require.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, "2345", rr.Body.String())
	assert.Equal(t, "bytes 2-5/16", rr.Header().Get("Content-Range"))

	rr = do(t, h, http.MethodGet, "/v1/content/"+string(res.ContentHash), nil, map[string]string{"Range": "bytes=100-"})
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rr.Code)
	assert.Equal(t, "bytes */16", rr.Header().Get("Content-Range"))
}

func TestGetClampsRanges(t *testing.T) {
	h := newTestServer(t, 4)
	res := putContent(t, h, []byte("0123456789abcdef"))

	rr := do(t, h, http.MethodGet, "/v1/content/"+string(res.ContentHash), nil, map[string]string{"Range": "bytes=0-"})
	require.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, "0123", rr.Body.String())
	assert.Equal(t, "bytes 0-3/16", rr.Header().Get("Content-Range"))
}

func TestContentErrors(t *testing.T) {
	h := newTestServer(t, 0)

	rr := do(t, h, http.MethodGet, "/v1/content/not-a-hash", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	missing := interfaces.ComputeHash([]byte("missing"))
	rr = do(t, h, http.MethodGet, "/v1/content/"+string(missing), nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "error")

	rr = do(t, h, http.MethodPut, "/v1/content", strings.NewReader("payload"), map[string]string{
		ContentHashHeader: string(interfaces.ComputeHash([]byte("something else"))),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, h, http.MethodPut, "/v1/content?tier=tepid", strings.NewReader("payload"), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHeadAndURL(t *testing.T) {
	h := newTestServer(t, 0)
	res := putContent(t, h, []byte("head"))

	rr := do(t, h, http.MethodHead, "/v1/content/"+string(res.ContentHash), nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "4", rr.Header().Get("Content-Length"))
	assert.Equal(t, `"`+string(res.ContentHash)+`"`, rr.Header().Get("ETag"))

	rr = do(t, h, http.MethodGet, "/v1/content/"+string(res.ContentHash)+"/url?ttl=60", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var u interfaces.PresignedURL
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &u))
	assert.NotEmpty(t, u.URL)
	assert.WithinDuration(t, time.Now().Add(time.Minute), u.ExpiresAt, 10*time.Second)

	rr = do(t, h, http.MethodGet, "/v1/content/"+string(res.ContentHash)+"/url?ttl=soon", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminRequiresAPIKey(t *testing.T) {
	h := newTestServer(t, 0)

	rr := do(t, h, http.MethodGet, "/v1/storage/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/storage/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/storage/stats", nil, map[string]string{APIKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/storage/stats", nil, map[string]string{APIKeyHeader: testAPIKey})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAdminMoveTier(t *testing.T) {
	h := newTestServer(t, 0)
	res := putContent(t, h, []byte("to the archive"))
	auth := map[string]string{APIKeyHeader: testAPIKey}

	body := `{"content_hash":"` + string(res.ContentHash) + `","from_tier":"hot","to_tier":"cold"}`
	rr := do(t, h, http.MethodPost, "/v1/storage/tier", strings.NewReader(body), auth)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"tier-moved"`)

	rr = do(t, h, http.MethodHead, "/v1/content/"+string(res.ContentHash), nil, nil)
	assert.Equal(t, "cold", rr.Header().Get(StorageTierHeader))

	// no longer in hot
	rr = do(t, h, http.MethodPost, "/v1/storage/tier", strings.NewReader(body), auth)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/storage/tier", strings.NewReader(`{"content_hash":"`+string(res.ContentHash)+`"}`), auth)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/storage/tier", strings.NewReader(`{"unexpected":true}`), auth)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminMigrationAndLifecycle(t *testing.T) {
	h := newTestServer(t, 0)
	putContent(t, h, []byte("migrate me"))
	auth := map[string]string{APIKeyHeader: testAPIKey}

	rr := do(t, h, http.MethodGet, "/v1/storage/migrate", nil, auth)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/storage/migrate", strings.NewReader(`{"source_backend":"fs","target_backend":"archive","dry_run":true}`), auth)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var dry struct {
		DryRun bool `json:"dry_run"`
		Plan   struct {
			TotalObjects int `json:"total_objects"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dry))
	assert.True(t, dry.DryRun)
	assert.Equal(t, 1, dry.Plan.TotalObjects)

	rr = do(t, h, http.MethodPost, "/v1/storage/migrate", strings.NewReader(`{"source_backend":"fs"}`), auth)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/storage/lifecycle", strings.NewReader(`{"operation":"stats"}`), auth)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"operation":"stats"`)

	rr = do(t, h, http.MethodPost, "/v1/storage/lifecycle", strings.NewReader(`{"operation":"defragment"}`), auth)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/storage/performance?hours=0", nil, auth)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/storage/performance?hours=1", nil, auth)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/storage/network", nil, auth)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDrainAndUndrain(t *testing.T) {
	h := newTestServer(t, 0)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/drain", nil, nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/undrain", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/livez", nil, nil).Code)
}
