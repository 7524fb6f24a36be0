package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardvec/internal/cluster"
)

// Health statuses reported by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the check history of a single node.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitorOptions configures a HealthMonitor.
type HealthMonitorOptions struct {
	Interval time.Duration
	// Timeout bounds a single check.
	Timeout time.Duration
	// MaxFailures is the number of consecutive failed checks after which a
	// node is reported unhealthy.
	MaxFailures int
	Client      *cluster.Client
	Logger      *zap.Logger
}

// HealthMonitor checks every registered node's /health endpoint.
//
// A successful check is reported through OnHealthy, which the coordinator
// wires to the registry's lease renewal. After MaxFailures consecutive
// failures the node is reported once through OnUnhealthy, which marks it
// suspected without waiting for the lease to lapse.
//
//	check ok   -> onHealthy(id)            (every time)
//	check fail -> fails++
//	              fails == max -> onUnhealthy(id)   (once per outage)
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	opts   HealthMonitorOptions
	logger *zap.Logger

	checkFunc   func(ctx context.Context, addr string) error
	onHealthy   func(nodeID string)
	onUnhealthy func(nodeID string)

	mu    sync.RWMutex
	nodes map[string]*NodeHealth

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor creates a monitor. Zero options fall back to a 5s
// interval, 2s check timeout and 3 failures.
//
// Example:
//
//	monitor := NewHealthMonitor(HealthMonitorOptions{Interval: 5 * time.Second})
//	monitor.SetOnHealthy(func(id string) { registry.Touch(id) })
//	monitor.SetOnUnhealthy(func(id string) { registry.Suspect(id) })
//	monitor.Start(ctx, nodeList)
func NewHealthMonitor(opts HealthMonitorOptions) *HealthMonitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.Client == nil {
		opts.Client = cluster.NewClient(opts.Timeout)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &HealthMonitor{
		opts:   opts,
		logger: opts.Logger.Named("health"),
		nodes:  make(map[string]*NodeHealth),
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnHealthy sets the callback run after every successful check.
func (h *HealthMonitor) SetOnHealthy(callback func(nodeID string)) {
	h.onHealthy = callback
}

// SetOnUnhealthy sets the callback run when a node crosses the failure
// threshold.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the check. Used by tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}

// Start runs the check loop in a new goroutine until ctx is done or Stop is
// called. nodeProvider is consulted on every round; dead nodes are skipped.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Info("health monitor started", zap.Duration("interval", h.opts.Interval))

		ticker := time.NewTicker(h.opts.Interval)
		defer ticker.Stop()

		h.CheckAll(ctx, nodeProvider())
		for {
			select {
			case <-ticker.C:
				h.CheckAll(ctx, nodeProvider())
			case <-ctx.Done():
				h.logger.Info("health monitor stopped")
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// CheckAll checks nodes concurrently and forgets nodes no longer listed.
func (h *HealthMonitor) CheckAll(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	var wg sync.WaitGroup
	for _, node := range nodes {
		current[node.ID] = true
		if node.State == cluster.NodeDead {
			continue
		}
		wg.Add(1)
		go func(node cluster.NodeInfo) {
			defer wg.Done()
			h.checkNode(ctx, node)
		}(node)
	}
	wg.Wait()

	h.mu.Lock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
			h.logger.Debug("node removed from health monitoring", zap.String("node_id", id))
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, ok := h.nodes[node.ID]
	if !ok {
		now := time.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	err := h.checkFunc(checkCtx, node.Addr)
	cancel()
	if ctx.Err() != nil {
		return
	}

	h.mu.Lock()
	health.LastCheck = time.Now()
	var fire func(string)
	if err != nil {
		health.ConsecutiveFails++
		h.logger.Warn("health check failed",
			zap.String("node_id", node.ID),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Int("max", h.opts.MaxFailures),
			zap.Error(err))
		if health.ConsecutiveFails >= h.opts.MaxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			fire = h.onUnhealthy
			h.logger.Warn("node unhealthy", zap.String("node_id", node.ID))
		}
	} else {
		if health.Status == StatusUnhealthy {
			h.logger.Info("node recovered", zap.String("node_id", node.ID))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		fire = h.onHealthy
	}
	h.mu.Unlock()

	if fire != nil {
		fire(node.ID)
	}
}

func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	return h.opts.Client.GetJSON(ctx, cluster.URL(addr, "/health"), nil)
}

// GetNodeHealth returns a copy of one node's record, or nil if the node is
// not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// GetAllNodeHealth returns copies of every record keyed by node id.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		result[id] = &c
	}
	return result
}

// IsHealthy reports whether the last check of nodeID succeeded.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	return ok && health.Status == StatusHealthy
}
