// Package membership tracks which data nodes exist and whether they are
// alive.
//
// Nodes hold leases. Every successful health check by the coordinator renews
// a node's lease; a node whose lease lapses is suspected, and a node that
// stays silent long enough is dead. Dead nodes are kept in the table so
// operators can see them, but they receive no traffic until they register
// again.
//
//	        Register              no touch for suspect_after
//	  ----------------> alive  ------------------------------> suspected
//	                     ^  \                                    |   |
//	                     |   \  Suspect()                        |   | no touch for dead_after
//	                     |    +----------------------------------+   v
//	                     +----------- Touch() ---------------  dead
//	                                                       (re-Register only)
package membership

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/xerr"
)

var (
	// ErrDuplicateNode is returned when an id is registered and not dead.
	ErrDuplicateNode = xerr.New(xerr.DuplicateNode, "node already registered")

	// ErrInvalidNode is returned for a registration without id or address.
	ErrInvalidNode = xerr.New(xerr.BadRequest, "node id and addr are required")
)

// Node is a registered data node.
type Node struct {
	ID           string            `json:"id" msgpack:"id"`
	Addr         string            `json:"addr" msgpack:"addr"`
	State        cluster.NodeState `json:"state" msgpack:"state"`
	RegisteredAt time.Time         `json:"registered_at" msgpack:"registered_at"`
	LastSeen     time.Time         `json:"last_seen" msgpack:"last_seen"`
}

// Info returns the node's wire form.
func (n Node) Info() cluster.NodeInfo {
	return cluster.NodeInfo{ID: n.ID, Addr: n.Addr, State: n.State}
}

// EventType classifies membership events.
type EventType int

const (
	Joined EventType = iota + 1
	Left
	StateChanged
)

func (t EventType) String() string {
	switch t {
	case Joined:
		return "joined"
	case Left:
		return "left"
	case StateChanged:
		return "state_changed"
	}
	return "unknown"
}

// Event describes one change to the node table.
type Event struct {
	Type EventType
	Node Node
	Prev cluster.NodeState
}

// Backend is the coordination service the coordinator keeps its membership
// in.
type Backend interface {
	Register(ctx context.Context, id, addr string) error
	Deregister(ctx context.Context, id string) error
	List(ctx context.Context) ([]Node, error)
	Watch(ctx context.Context) (<-chan Event, error)
}

// Options configures a Registry.
type Options struct {
	SuspectAfter time.Duration
	DeadAfter    time.Duration
	// Store persists registrations. Optional.
	Store  *BoltStore
	Logger *zap.Logger
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

type watcher struct {
	ctx    context.Context
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// Registry is the in-process lease backend.
type Registry struct {
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	nodes    map[string]*Node
	watchers map[*watcher]struct{}
}

var _ Backend = (*Registry)(nil)

// NewRegistry creates a registry, restoring persisted nodes when
// opts.Store is set. Restored nodes start suspected: they have to answer a
// check before they are routed to.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.SuspectAfter <= 0 {
		opts.SuspectAfter = 10 * time.Second
	}
	if opts.DeadAfter <= 0 {
		opts.DeadAfter = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		opts:     opts,
		logger:   opts.Logger.Named("membership"),
		nodes:    make(map[string]*Node),
		watchers: make(map[*watcher]struct{}),
	}

	if opts.Store != nil {
		stored, err := opts.Store.Nodes()
		if err != nil {
			return nil, fmt.Errorf("restore nodes: %w", err)
		}
		now := opts.Now()
		for _, n := range stored {
			n := n
			if n.State != cluster.NodeDead {
				n.State = cluster.NodeSuspected
			}
			n.LastSeen = now
			r.nodes[n.ID] = &n
		}
		if len(stored) > 0 {
			r.logger.Info("restored registrations", zap.Int("nodes", len(stored)))
		}
	}
	return r, nil
}

// Register adds a node in the alive state. An id that is registered and
// not dead is rejected with ErrDuplicateNode; a dead node may come back.
func (r *Registry) Register(_ context.Context, id, addr string) error {
	if id == "" || addr == "" {
		return ErrInvalidNode
	}

	r.mu.Lock()
	if existing, ok := r.nodes[id]; ok && existing.State != cluster.NodeDead {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	now := r.opts.Now()
	n := &Node{ID: id, Addr: addr, State: cluster.NodeAlive, RegisteredAt: now, LastSeen: now}
	r.nodes[id] = n
	snapshot := *n
	r.mu.Unlock()

	if err := r.persist(snapshot); err != nil {
		return err
	}
	r.logger.Info("node registered", zap.String("node_id", id), zap.String("addr", addr))
	r.emit([]Event{{Type: Joined, Node: snapshot}})
	return nil
}

// Deregister removes a node. Unknown ids are ignored.
func (r *Registry) Deregister(_ context.Context, id string) error {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.nodes, id)
	snapshot := *n
	r.mu.Unlock()

	if r.opts.Store != nil {
		if err := r.opts.Store.DeleteNode(id); err != nil {
			return fmt.Errorf("persist deregistration: %w", err)
		}
	}
	r.logger.Info("node deregistered", zap.String("node_id", id))
	r.emit([]Event{{Type: Left, Node: snapshot, Prev: snapshot.State}})
	return nil
}

// List returns every node ordered by id.
func (r *Registry) List(_ context.Context) ([]Node, error) {
	return r.Nodes(), nil
}

// Nodes returns copies of every node ordered by id.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one node.
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Counts returns the number of nodes per state.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string]int{
		string(cluster.NodeAlive):     0,
		string(cluster.NodeSuspected): 0,
		string(cluster.NodeDead):      0,
	}
	for _, n := range r.nodes {
		out[string(n.State)]++
	}
	return out
}

// Touch renews a node's lease. A suspected node becomes alive again; a dead
// node stays dead until it registers. It reports whether the node is known
// and not dead.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok || n.State == cluster.NodeDead {
		r.mu.Unlock()
		return false
	}
	n.LastSeen = r.opts.Now()
	var events []Event
	if n.State != cluster.NodeAlive {
		prev := n.State
		n.State = cluster.NodeAlive
		events = append(events, Event{Type: StateChanged, Node: *n, Prev: prev})
	}
	r.mu.Unlock()

	if len(events) > 0 {
		r.logger.Info("node alive again", zap.String("node_id", id))
		r.emit(events)
	}
	return true
}

// Suspect marks an alive node suspected, e.g. after it missed a replica
// write. It reports whether the state changed.
func (r *Registry) Suspect(id string) bool {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok || n.State != cluster.NodeAlive {
		r.mu.Unlock()
		return false
	}
	n.State = cluster.NodeSuspected
	ev := Event{Type: StateChanged, Node: *n, Prev: cluster.NodeAlive}
	r.mu.Unlock()

	r.logger.Warn("node suspected", zap.String("node_id", id))
	r.emit([]Event{ev})
	return true
}

// Sweep applies lease expiry as of now and returns the resulting events.
func (r *Registry) Sweep(now time.Time) []Event {
	var events []Event
	r.mu.Lock()
	for _, n := range r.nodes {
		silent := now.Sub(n.LastSeen)
		prev := n.State
		switch {
		case n.State == cluster.NodeDead:
			continue
		case silent >= r.opts.DeadAfter:
			n.State = cluster.NodeDead
		case silent >= r.opts.SuspectAfter && n.State == cluster.NodeAlive:
			n.State = cluster.NodeSuspected
		default:
			continue
		}
		events = append(events, Event{Type: StateChanged, Node: *n, Prev: prev})
	}
	r.mu.Unlock()

	for _, ev := range events {
		r.logger.Warn("node lease expired",
			zap.String("node_id", ev.Node.ID),
			zap.String("from", string(ev.Prev)),
			zap.String("to", string(ev.Node.State)))
	}
	r.emit(events)
	return events
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep(r.opts.Now())
		case <-ctx.Done():
			return
		}
	}
}

// Watch returns a channel of every event from now on. The channel is
// closed when ctx is done.
func (r *Registry) Watch(ctx context.Context) (<-chan Event, error) {
	w := &watcher{ctx: ctx, ch: make(chan Event, 64)}
	r.mu.Lock()
	r.watchers[w] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers, w)
		r.mu.Unlock()

		w.mu.Lock()
		w.closed = true
		close(w.ch)
		w.mu.Unlock()
	}()
	return w.ch, nil
}

// emit delivers events to every watcher. It must be called without r.mu.
func (r *Registry) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	r.mu.RLock()
	ws := make([]*watcher, 0, len(r.watchers))
	for w := range r.watchers {
		ws = append(ws, w)
	}
	r.mu.RUnlock()

	for _, w := range ws {
		w.mu.Lock()
		for _, ev := range events {
			if w.closed {
				break
			}
			select {
			case w.ch <- ev:
			case <-w.ctx.Done():
			}
		}
		w.mu.Unlock()
	}
}

func (r *Registry) persist(n Node) error {
	if r.opts.Store == nil {
		return nil
	}
	if err := r.opts.Store.PutNode(n); err != nil {
		return fmt.Errorf("persist registration: %w", err)
	}
	return nil
}
