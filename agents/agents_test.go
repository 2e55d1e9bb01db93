package agents

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/metastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) *metastore.Store {
	t.Helper()
	s, err := metastore.Open(metastore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// memBackend keeps content per location URL. Locations listed in
// unreachable fail with a transport error.
type memBackend struct {
	mu          sync.Mutex
	data        map[string]map[interfaces.ContentHash][]byte
	unreachable map[string]bool
}

func newMemBackend() *memBackend {
	return &memBackend{
		data:        make(map[string]map[interfaces.ContentHash][]byte),
		unreachable: make(map[string]bool),
	}
}

func (b *memBackend) put(url string, hash interfaces.ContentHash, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data[url] == nil {
		b.data[url] = make(map[interfaces.ContentHash][]byte)
	}
	b.data[url][hash] = data
}

func (b *memBackend) Supports(interfaces.StorageLocation) bool { return true }

func (b *memBackend) Fetch(_ context.Context, hash interfaces.ContentHash, loc interfaces.StorageLocation) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unreachable[loc.URL] {
		return nil, interfaces.ErrBackendUnavailable
	}
	data, ok := b.data[loc.URL][hash]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return data, nil
}

func (b *memBackend) Open(context.Context, interfaces.ContentHash, interfaces.StorageLocation, *interfaces.ByteRange) (*interfaces.ObjectReader, error) {
	return nil, errors.New("not implemented")
}

func (b *memBackend) Store(ctx context.Context, hash interfaces.ContentHash, data []byte, loc interfaces.StorageLocation) (interfaces.StorageLocation, error) {
	b.mu.Lock()
	unreachable := b.unreachable[loc.URL]
	b.mu.Unlock()
	if unreachable {
		return interfaces.StorageLocation{}, interfaces.ErrBackendUnavailable
	}
	b.put(loc.URL, hash, data)
	return loc, nil
}

func testAgentConfig() config.AgentConfig {
	cfg := config.DefaultAgentConfig()
	cfg.ReplicationInterval = 10 * time.Millisecond
	cfg.VerificationInterval = 10 * time.Millisecond
	cfg.ErrorBackoff = 10 * time.Millisecond
	cfg.FetchTimeout = time.Second
	return cfg
}

var (
	locLocal = interfaces.StorageLocation{Type: interfaces.LocationLocal, URL: "file:///data/hot"}
	locS3    = interfaces.StorageLocation{Type: interfaces.LocationS3, URL: "s3://content-hot"}
	locCDN   = interfaces.StorageLocation{Type: interfaces.LocationCDN, URL: "https://cdn.example.com/hot"}
)

func TestConsensusBoundary(t *testing.T) {
	match := LocationResult{Responded: true, HashMatch: true}
	mismatch := LocationResult{Responded: true}
	down := LocationResult{}

	tests := []struct {
		name     string
		results  []LocationResult
		achieved bool
	}{
		{"two of three agree", []LocationResult{match, match, mismatch}, true},
		{"one of two agree", []LocationResult{match, mismatch}, false},
		{"two of four agree", []LocationResult{match, match, mismatch, mismatch}, false},
		{"unreachable locations do not count", []LocationResult{match, match, mismatch, down, down}, true},
		{"single location agrees", []LocationResult{match}, true},
		{"no responders", []LocationResult{down, down}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, achieved := Consensus(tt.results)
			assert.Equal(t, tt.achieved, achieved)
		})
	}

	_, _, ratio, _ := Consensus([]LocationResult{match, match, mismatch})
	assert.InDelta(t, 0.667, ratio, 0.001)
}

func TestReplicationAgentCopiesAndVerifies(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	backend := newMemBackend()

	data := []byte("replicate me")
	hash := interfaces.ComputeHash(data)
	backend.put(locLocal.URL, hash, data)
	require.NoError(t, store.PutEntry(ctx, &interfaces.IndexEntry{ContentHash: hash, Locations: []interfaces.StorageLocation{locLocal}}))

	job := &interfaces.ReplicationJob{ContentHash: hash, Source: locLocal, Target: locS3, MaxRetries: 3}
	require.NoError(t, store.Enqueue(ctx, job))

	agent := NewReplicationAgent(store, backend, testAgentConfig(), testLogger(), nil)
	n, err := agent.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	agent.Wait()

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.JobCompleted, got.Status)
	assert.Equal(t, agent.ID(), got.AgentID)

	entry, err := store.GetEntry(ctx, hash)
	require.NoError(t, err)
	assert.True(t, entry.HasLocation(locS3.URL))

	copied, err := backend.Fetch(ctx, hash, locS3)
	require.NoError(t, err)
	assert.Equal(t, data, copied)
}

func TestReplicationAgentReclaimsAbandonedJobs(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	backend := newMemBackend()

	data := []byte("left behind")
	hash := interfaces.ComputeHash(data)
	backend.put(locLocal.URL, hash, data)

	job := &interfaces.ReplicationJob{ContentHash: hash, Source: locLocal, Target: locS3, MaxRetries: 3}
	require.NoError(t, store.Enqueue(ctx, job))
	claimed, err := store.ClaimPending(ctx, "replication-gone", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	cfg := testAgentConfig()
	cfg.FetchTimeout = 5 * time.Millisecond
	agent := NewReplicationAgent(store, backend, cfg, testLogger(), nil)

	time.Sleep(50 * time.Millisecond)
	n, err := agent.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	agent.Wait()

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.JobCompleted, got.Status)
	assert.Equal(t, agent.ID(), got.AgentID)
	assert.Equal(t, 1, got.RetryCount)
}

func TestReplicationAgentRejectsCorruptSource(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	backend := newMemBackend()

	hash := interfaces.ComputeHash([]byte("original"))
	backend.put(locLocal.URL, hash, []byte("tampered"))

	job := &interfaces.ReplicationJob{ContentHash: hash, Source: locLocal, Target: locS3, MaxRetries: 3}
	require.NoError(t, store.Enqueue(ctx, job))

	agent := NewReplicationAgent(store, backend, testAgentConfig(), testLogger(), nil)
	_, err := agent.RunOnce(ctx)
	require.NoError(t, err)
	agent.Wait()

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.JobFailed, got.Status)
	assert.Contains(t, got.Error, "corrupt")

	_, err = backend.Fetch(ctx, hash, locS3)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestReplicationAgentRequeuesUntilRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	backend := newMemBackend()
	backend.unreachable[locS3.URL] = true

	data := []byte("retry")
	hash := interfaces.ComputeHash(data)
	backend.put(locLocal.URL, hash, data)

	job := &interfaces.ReplicationJob{ContentHash: hash, Source: locLocal, Target: locS3, MaxRetries: 1}
	require.NoError(t, store.Enqueue(ctx, job))
	agent := NewReplicationAgent(store, backend, testAgentConfig(), testLogger(), nil)

	_, err := agent.RunOnce(ctx)
	require.NoError(t, err)
	agent.Wait()
	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.JobPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	_, err = agent.RunOnce(ctx)
	require.NoError(t, err)
	agent.Wait()
	got, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.JobFailed, got.Status)
}

func TestReplicationAgentRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	backend := newMemBackend()

	for i := 0; i < 4; i++ {
		data := []byte{byte(i)}
		hash := interfaces.ComputeHash(data)
		backend.put(locLocal.URL, hash, data)
		require.NoError(t, store.Enqueue(ctx, &interfaces.ReplicationJob{ContentHash: hash, Source: locLocal, Target: locS3}))
	}

	cfg := testAgentConfig()
	cfg.ReplicationCapacity = 3
	agent := NewReplicationAgent(store, backend, cfg, testLogger(), nil)
	n, err := agent.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	agent.Wait()

	counts, err := store.CountJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[interfaces.JobCompleted])
	assert.Equal(t, 1, counts[interfaces.JobPending])
}

func TestVerificationAgentConsensus(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	backend := newMemBackend()

	data := []byte("verified content")
	hash := interfaces.ComputeHash(data)
	backend.put(locLocal.URL, hash, data)
	backend.put(locS3.URL, hash, data)
	backend.put(locCDN.URL, hash, []byte("stale edge copy"))
	require.NoError(t, store.PutEntry(ctx, &interfaces.IndexEntry{
		ContentHash: hash,
		Locations:   []interfaces.StorageLocation{locLocal, locS3, locCDN},
	}))

	agent := NewVerificationAgent(store, backend, testAgentConfig(), testLogger(), nil)
	report, err := agent.Verify(ctx, hash)
	require.NoError(t, err)
	assert.True(t, report.ConsensusAchieved)
	assert.Equal(t, 2, report.Agreeing)
	assert.Equal(t, 3, report.Responding)
	assert.InDelta(t, 0.667, report.AgreementRatio, 0.001)

	records, err := store.ListVerifications(ctx, hash, 0)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	entry, err := store.GetEntry(ctx, hash)
	require.NoError(t, err)
	assert.False(t, entry.LastVerifiedAt.IsZero())

	alerts, err := store.ListEvents(ctx, time.Time{}, interfaces.EventVerificationAlert)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestVerificationAgentRaisesAlert(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	backend := newMemBackend()
	backend.unreachable[locCDN.URL] = true

	data := []byte("under threat")
	hash := interfaces.ComputeHash(data)
	backend.put(locLocal.URL, hash, data)
	// the s3 copy is missing, which counts as a responding disagreement
	require.NoError(t, store.PutEntry(ctx, &interfaces.IndexEntry{
		ContentHash: hash,
		Locations:   []interfaces.StorageLocation{locLocal, locS3, locCDN},
	}))

	agent := NewVerificationAgent(store, backend, testAgentConfig(), testLogger(), nil)
	n, err := agent.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	alerts, err := store.ListEvents(ctx, time.Time{}, interfaces.EventVerificationAlert)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, hash, alerts[0].ContentHash)

	// freshly verified content is not selected again
	n, err = agent.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestVerifyWithoutLocations(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	hash := interfaces.ComputeHash([]byte("nowhere"))
	require.NoError(t, store.PutEntry(ctx, &interfaces.IndexEntry{ContentHash: hash}))

	agent := NewVerificationAgent(store, newMemBackend(), testAgentConfig(), testLogger(), nil)
	_, err := agent.Verify(ctx, hash)
	assert.ErrorIs(t, err, interfaces.ErrNoLocations)
}

func TestCoordinatorLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	backend := newMemBackend()

	data := []byte("background")
	hash := interfaces.ComputeHash(data)
	backend.put(locLocal.URL, hash, data)
	require.NoError(t, store.PutEntry(ctx, &interfaces.IndexEntry{ContentHash: hash, Locations: []interfaces.StorageLocation{locLocal}}))
	job := &interfaces.ReplicationJob{ContentHash: hash, Source: locLocal, Target: locS3, MaxRetries: 1}
	require.NoError(t, store.Enqueue(ctx, job))

	cfg := testAgentConfig()
	cfg.ReplicationAgents = 2
	cfg.VerificationAgents = 1
	c := NewCoordinator(store, backend, cfg, testLogger(), nil)
	require.NoError(t, c.Start(ctx))
	require.ErrorIs(t, c.Start(ctx), ErrAlreadyRunning)

	status := c.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 2, status.ReplicationAgents)
	assert.Equal(t, 1, status.VerificationAgents)

	require.Eventually(t, func() bool {
		got, err := store.GetJob(ctx, job.ID)
		return err == nil && got.Status == interfaces.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())
	assert.False(t, c.Status().Running)
	require.NoError(t, c.Stop())
}

func TestBuildNetworkReport(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	report, err := BuildNetworkReport(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1.0, report.IntegrityScore)
	assert.Empty(t, report.RecommendedActions)

	for i, locs := range [][]interfaces.StorageLocation{
		{locLocal, locS3},
		{locLocal},
		{locLocal},
	} {
		hash := interfaces.ComputeHash([]byte{byte(i)})
		require.NoError(t, store.PutEntry(ctx, &interfaces.IndexEntry{ContentHash: hash, Locations: locs}))
	}

	report, err = BuildNetworkReport(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalContent)
	assert.Equal(t, 1, report.WellReplicated)
	assert.Equal(t, 2, report.UnderReplicated)
	assert.Len(t, report.RecommendedActions, 4)
}
