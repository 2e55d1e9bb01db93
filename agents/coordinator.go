package agents

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ruteri/tiered-content-storage/config"
	"github.com/ruteri/tiered-content-storage/interfaces"
	"github.com/ruteri/tiered-content-storage/metrics"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyRunning = errors.New("agents already running")

// Status describes the running agents and their in-flight jobs.
type Status struct {
	Running            bool `json:"running"`
	ReplicationAgents  int  `json:"replication_agents"`
	VerificationAgents int  `json:"verification_agents"`
	ActiveJobs         int  `json:"active_jobs"`
}

// Coordinator owns the lifecycle of a set of replication and verification
// agents sharing one metadata store and location backend.
type Coordinator struct {
	store   interfaces.MetadataStore
	backend interfaces.LocationBackend
	cfg     config.AgentConfig
	log     *slog.Logger
	metrics *metrics.StorageMetrics

	mu           sync.Mutex
	cancel       context.CancelFunc
	group        *errgroup.Group
	replication  []*ReplicationAgent
	verification []*VerificationAgent
}

// NewCoordinator creates a coordinator running cfg.ReplicationAgents replication
// agents and cfg.VerificationAgents verification agents.
func NewCoordinator(store interfaces.MetadataStore, backend interfaces.LocationBackend, cfg config.AgentConfig, log *slog.Logger, m *metrics.StorageMetrics) *Coordinator {
	return &Coordinator{
		store:   store,
		backend: backend,
		cfg:     cfg,
		log:     log,
		metrics: m,
	}
}

// Start launches the configured number of agents. They run until Stop is
// called or ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	c.cancel = cancel
	c.group = g

	for i := 0; i < c.cfg.ReplicationAgents; i++ {
		a := NewReplicationAgent(c.store, c.backend, c.cfg, c.log, c.metrics)
		c.replication = append(c.replication, a)
		g.Go(func() error { return a.Run(gctx) })
	}
	for i := 0; i < c.cfg.VerificationAgents; i++ {
		a := NewVerificationAgent(c.store, c.backend, c.cfg, c.log, c.metrics)
		c.verification = append(c.verification, a)
		g.Go(func() error { return a.Run(gctx) })
	}

	c.log.Info("Started storage agents",
		slog.Int("replication", len(c.replication)),
		slog.Int("verification", len(c.verification)))
	return nil
}

// Stop cancels every agent and waits for in-flight replication jobs.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	cancel, g := c.cancel, c.group
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	err := g.Wait()

	c.mu.Lock()
	c.cancel = nil
	c.group = nil
	c.replication = nil
	c.verification = nil
	c.mu.Unlock()

	c.log.Info("All storage agents stopped")
	return err
}

// Status returns a snapshot of the agents.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Running:            c.cancel != nil,
		ReplicationAgents:  len(c.replication),
		VerificationAgents: len(c.verification),
	}
	for _, a := range c.replication {
		s.ActiveJobs += a.InFlight()
	}
	return s
}
