package cluster

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/secrethub/secrethub/pkg/lock"
	"github.com/secrethub/secrethub/pkg/log"
	"github.com/secrethub/secrethub/pkg/metrics"
	"github.com/secrethub/secrethub/pkg/seal"
	"github.com/secrethub/secrethub/pkg/storage"
	"github.com/secrethub/secrethub/pkg/types"
)

const (
	// DefaultHeartbeatInterval controls how often a node refreshes its
	// cluster record and records a health sample.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultNodeTimeout is how long a node may miss heartbeats before the
	// sweep removes its record.
	DefaultNodeTimeout = 30 * time.Second

	// DefaultLeaderCheckInterval is how often a leader confirms it still
	// holds the leader lock and a follower retries election.
	DefaultLeaderCheckInterval = 15 * time.Second

	// DefaultHealthRetention bounds the health history.
	DefaultHealthRetention = 7 * 24 * time.Hour

	DefaultInitLockTimeout   = 5 * time.Second
	DefaultLeaderLockTimeout = 1 * time.Second
)

// AuditSink records cluster lifecycle events.
type AuditSink interface {
	Log(ctx context.Context, event *types.AuditEvent) error
}

// Options tune the coordinator's timing. Zero values take the defaults.
type Options struct {
	HeartbeatInterval   time.Duration
	NodeTimeout         time.Duration
	LeaderCheckInterval time.Duration
	HealthRetention     time.Duration
	InitLockTimeout     time.Duration
	LeaderLockTimeout   time.Duration
	Version             string
	Metadata            map[string]string
	// BootstrapToken, when set, must be a valid unconsumed admission token;
	// the node refuses to join without one.
	BootstrapToken string
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.NodeTimeout <= 0 {
		o.NodeTimeout = DefaultNodeTimeout
	}
	if o.LeaderCheckInterval <= 0 {
		o.LeaderCheckInterval = DefaultLeaderCheckInterval
	}
	if o.HealthRetention <= 0 {
		o.HealthRetention = DefaultHealthRetention
	}
	if o.InitLockTimeout <= 0 {
		o.InitLockTimeout = DefaultInitLockTimeout
	}
	if o.LeaderLockTimeout <= 0 {
		o.LeaderLockTimeout = DefaultLeaderLockTimeout
	}
}

// Coordinator owns this node's cluster identity: registration, heartbeats,
// one-time initialization ordering, and leader election. One Coordinator
// runs per process.
type Coordinator struct {
	store  storage.Store
	locker *lock.Locker
	seal   *seal.Service
	audit  AuditSink
	opts   Options
	logger zerolog.Logger

	node *types.Node

	mu           sync.Mutex
	leaderHandle *lock.Handle
	isLeader     bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewNodeID builds a stable node identifier from the hostname plus a random
// suffix, so multiple processes on one host stay distinguishable.
func NewNodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "node"
	}
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Sprintf("%s-%d", hostname, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", hostname, hex.EncodeToString(suffix))
}

// New creates a coordinator for this process. Call Start to register the
// node and begin heartbeats.
func New(store storage.Store, locker *lock.Locker, sealSvc *seal.Service, audit AuditSink, opts Options) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		store:  store,
		locker: locker,
		seal:   sealSvc,
		audit:  audit,
		opts:   opts,
		logger: log.WithComponent("cluster"),
		stop:   make(chan struct{}),
	}
}

// NodeID returns this node's identifier. Valid after Start.
func (c *Coordinator) NodeID() string {
	if c.node == nil {
		return ""
	}
	return c.node.ID
}

// IsLeader reports whether this node currently holds the leader lock.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// Start registers the node and launches the heartbeat and leader-election
// loops.
func (c *Coordinator) Start(ctx context.Context) error {
	now := time.Now().UTC()
	c.node = &types.Node{
		ID:         NewNodeID(),
		Hostname:   hostnameOrDefault(),
		Status:     types.NodeStatusStarting,
		StartedAt:  now,
		LastSeenAt: now,
		Version:    c.opts.Version,
		Metadata:   c.opts.Metadata,
	}

	if c.opts.BootstrapToken != "" {
		role, err := c.store.ConsumeBootstrapToken(ctx, c.opts.BootstrapToken, c.node.ID)
		if err != nil {
			return fmt.Errorf("consuming bootstrap token: %w", err)
		}
		if c.node.Metadata == nil {
			c.node.Metadata = map[string]string{}
		}
		c.node.Metadata["role"] = role
	}

	if err := c.store.UpsertNode(ctx, c.node); err != nil {
		return fmt.Errorf("registering node: %w", err)
	}
	c.logger = log.WithNodeID(c.node.ID)

	c.wg.Add(2)
	go c.heartbeatLoop()
	go c.leaderLoop()

	c.logger.Info().Str("hostname", c.node.Hostname).Msg("Node registered")
	return nil
}

// Shutdown releases leadership, marks the node record shutdown, and stops
// the background loops.
func (c *Coordinator) Shutdown(ctx context.Context) {
	close(c.stop)
	c.wg.Wait()

	c.ReleaseLeadership(ctx)

	if c.node != nil {
		if err := c.store.UpsertNode(ctx, c.markStatus(types.NodeStatusShutdown)); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to mark node shutdown")
		}
	}
	c.logger.Info().Msg("Coordinator stopped")
}

// CoordinatedInit initializes the vault exactly once across the cluster.
// The init lock serializes racing nodes; losers observe the vault config
// written by the winner and get ErrAlreadyInitialized.
func (c *Coordinator) CoordinatedInit(ctx context.Context, threshold, total int) (*seal.InitResult, error) {
	handle, err := c.locker.Acquire(ctx, lock.NameInit, c.opts.InitLockTimeout)
	if err != nil {
		if errors.Is(err, types.ErrLockTimeout) {
			return nil, fmt.Errorf("init lock: %w", err)
		}
		return nil, err
	}
	defer func() {
		if err := c.locker.Release(context.WithoutCancel(ctx), handle); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to release init lock")
		}
	}()

	if _, err := c.store.GetVaultConfig(ctx); err == nil {
		return nil, types.ErrAlreadyInitialized
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("checking vault config: %w", err)
	}

	c.setStatus(ctx, types.NodeStatusInitializing)
	res, err := c.seal.Initialize(ctx, threshold, total)
	if err != nil {
		c.setStatus(ctx, types.NodeStatusStarting)
		return nil, err
	}
	c.setStatus(ctx, types.NodeStatusSealed)
	return res, nil
}

// AcquireLeadership makes one attempt on the leader lock. Returns true when
// this node is the leader afterwards, including when it already was.
func (c *Coordinator) AcquireLeadership(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.isLeader {
		c.mu.Unlock()
		return true, nil
	}
	c.mu.Unlock()

	handle, err := c.locker.Acquire(ctx, lock.NameLeader, c.opts.LeaderLockTimeout)
	if errors.Is(err, types.ErrLockTimeout) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.leaderHandle = handle
	c.isLeader = true
	c.mu.Unlock()

	if err := c.store.SetNodeLeader(ctx, c.node.ID, true); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to flag node record as leader")
	}
	metrics.IsLeader.Set(1)
	c.auditEvent(ctx, types.EventLeaderElected)
	c.logger.Info().Msg("Acquired cluster leadership")
	return true, nil
}

// ReleaseLeadership drops the leader lock if held.
func (c *Coordinator) ReleaseLeadership(ctx context.Context) {
	c.mu.Lock()
	handle := c.leaderHandle
	wasLeader := c.isLeader
	c.leaderHandle = nil
	c.isLeader = false
	c.mu.Unlock()

	if !wasLeader {
		return
	}
	if handle != nil {
		if err := c.locker.Release(ctx, handle); err != nil && !errors.Is(err, types.ErrLockNotHeld) {
			c.logger.Warn().Err(err).Msg("Failed to release leader lock")
		}
	}
	if c.node != nil {
		if err := c.store.SetNodeLeader(ctx, c.node.ID, false); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to clear leader flag")
		}
	}
	metrics.IsLeader.Set(0)
	c.auditEvent(ctx, types.EventLeaderLost)
	c.logger.Info().Msg("Released cluster leadership")
}

func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.heartbeat()
		}
	}
}

func (c *Coordinator) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HeartbeatInterval)
	defer cancel()

	status, err := c.seal.Status(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Heartbeat could not read seal status")
		metrics.HeartbeatFailures.Inc()
		return
	}

	if err := c.store.UpsertNode(ctx, c.markStatus(nodeStatusFromSeal(status))); err != nil {
		c.logger.Warn().Err(err).Msg("Heartbeat upsert failed")
		metrics.HeartbeatFailures.Inc()
		return
	}
	c.publishNodeCounts(ctx)

	sample := c.sampleHealth(ctx, status.Sealed)
	if err := c.store.InsertNodeHealth(ctx, sample); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record health sample")
	}

	// Only the leader runs cluster-wide maintenance.
	if c.IsLeader() {
		now := time.Now().UTC()
		if n, err := c.store.SweepStaleNodes(ctx, now.Add(-c.opts.NodeTimeout)); err != nil {
			c.logger.Warn().Err(err).Msg("Stale node sweep failed")
		} else if n > 0 {
			c.logger.Info().Int64("removed", n).Msg("Removed stale node records")
		}
		if _, err := c.store.PruneNodeHealth(ctx, now.Add(-c.opts.HealthRetention)); err != nil {
			c.logger.Warn().Err(err).Msg("Health history prune failed")
		}
	}
}

func (c *Coordinator) leaderLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.LeaderCheckInterval)
	defer ticker.Stop()

	// Contend immediately on startup rather than waiting a full interval.
	c.leaderTick()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.leaderTick()
		}
	}
}

func (c *Coordinator) leaderTick() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.LeaderCheckInterval)
	defer cancel()

	c.mu.Lock()
	handle := c.leaderHandle
	leading := c.isLeader
	c.mu.Unlock()

	if !leading {
		if _, err := c.AcquireLeadership(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Leader election attempt failed")
		}
		return
	}

	// The advisory lock is session scoped; confirm our session still holds
	// it rather than trusting the in-memory flag.
	held, err := c.locker.Held(ctx, handle)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Leader lock check failed")
		return
	}
	if !held {
		c.logger.Warn().Msg("Leader lock lost, stepping down")
		c.mu.Lock()
		c.leaderHandle = nil
		c.isLeader = false
		c.mu.Unlock()
		if c.node != nil {
			if err := c.store.SetNodeLeader(ctx, c.node.ID, false); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to clear leader flag")
			}
		}
		metrics.IsLeader.Set(0)
		c.auditEvent(ctx, types.EventLeaderLost)
	}
}

func (c *Coordinator) setStatus(ctx context.Context, status types.NodeStatus) {
	if err := c.store.UpsertNode(ctx, c.markStatus(status)); err != nil {
		c.logger.Warn().Err(err).Str("status", string(status)).Msg("Failed to update node status")
	}
}

// markStatus mutates the node record under the coordinator mutex and
// returns a snapshot safe to hand to the store. The heartbeat goroutine
// and request handlers update the same record concurrently.
func (c *Coordinator) markStatus(status types.NodeStatus) *types.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.node.Status = status
	c.node.LastSeenAt = time.Now().UTC()
	snapshot := *c.node
	return &snapshot
}

func (c *Coordinator) publishNodeCounts(ctx context.Context) {
	nodes, err := c.store.ListNodes(ctx)
	if err != nil {
		return
	}
	counts := make(map[types.NodeStatus]int)
	for _, n := range nodes {
		counts[n.Status]++
	}
	metrics.NodesTotal.Reset()
	for status, n := range counts {
		metrics.NodesTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Coordinator) sampleHealth(ctx context.Context, sealed bool) *types.NodeHealth {
	start := time.Now()
	dbLatency := float64(-1)
	if err := c.store.Ping(ctx); err == nil {
		dbLatency = float64(time.Since(start).Microseconds()) / 1000.0
	}

	return &types.NodeHealth{
		NodeID:        c.node.ID,
		CPUPercent:    cpuPercent(),
		MemoryPercent: memoryPercent(),
		DBLatencyMS:   dbLatency,
		Sealed:        sealed,
		SampledAt:     time.Now().UTC(),
	}
}

func (c *Coordinator) auditEvent(ctx context.Context, eventType types.EventType) {
	if c.audit == nil {
		return
	}
	event := &types.AuditEvent{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		EventType:     eventType,
		ActorType:     types.ActorSystem,
		ActorID:       c.NodeID(),
		AccessGranted: true,
	}
	if err := c.audit.Log(ctx, event); err != nil {
		c.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to record cluster audit event")
	}
}

func nodeStatusFromSeal(status types.SealStatus) types.NodeStatus {
	switch {
	case !status.Initialized:
		return types.NodeStatusStarting
	case status.Sealed:
		return types.NodeStatusSealed
	default:
		return types.NodeStatusUnsealed
	}
}

func hostnameOrDefault() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "unknown"
	}
	return hostname
}
