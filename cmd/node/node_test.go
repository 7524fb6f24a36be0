package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/config"
	"github.com/dreamware/shardvec/internal/shard"
	"github.com/dreamware/shardvec/internal/storage"
	"github.com/dreamware/shardvec/internal/xerr"
)

// fakeCoordinator records the membership calls nodes make.
type fakeCoordinator struct {
	server *httptest.Server

	mu    sync.Mutex
	calls map[string][]string
	// register answers POST /register; nil accepts.
	register func(attempt int) error
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	t.Helper()
	f := &fakeCoordinator{calls: map[string][]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		if err := cluster.DecodeBody(r, &req); err != nil {
			cluster.WriteError(w, err)
			return
		}
		f.mu.Lock()
		f.calls["register"] = append(f.calls["register"], req.Node.ID)
		attempt := len(f.calls["register"])
		fn := f.register
		f.mu.Unlock()
		if fn != nil {
			if err := fn(attempt); err != nil {
				cluster.WriteError(w, err)
				return
			}
		}
		cluster.WriteOK(w, req.Node)
	})
	for _, path := range []string{"deregister", "suspect"} {
		path := path
		mux.HandleFunc("POST /"+path, func(w http.ResponseWriter, r *http.Request) {
			var req cluster.NodeIDRequest
			if err := cluster.DecodeBody(r, &req); err != nil {
				cluster.WriteError(w, err)
				return
			}
			f.mu.Lock()
			f.calls[path] = append(f.calls[path], req.NodeID)
			f.mu.Unlock()
			cluster.WriteOK(w, nil)
		})
	}
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeCoordinator) got(path string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[path]...)
}

func testConfig(t *testing.T, id, coordinatorAddr string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Node.CoordinatorAddr = coordinatorAddr
	cfg.Node.RegisterRetries = 3
	cfg.Storage.WALDir = t.TempDir()
	cfg.Storage.VectorDim = 2
	cfg.Storage.NoSync = true
	cfg.Cluster.NumShards = 4
	cfg.Replication.Timeout = "500ms"
	cfg.Replication.MaxRetries = 1
	cfg.Replication.InitialBackoff = "1ms"
	return cfg
}

// testNode is a node served over HTTP, as peers and the coordinator see it.
type testNode struct {
	*Node
	server *httptest.Server
}

func (tn *testNode) info() cluster.NodeInfo {
	return cluster.NodeInfo{ID: tn.ID, Addr: tn.server.URL, State: cluster.NodeAlive}
}

func startNode(t *testing.T, id, coordinatorAddr string) *testNode {
	t.Helper()
	return startNodeWithConfig(t, testConfig(t, id, coordinatorAddr))
}

func startNodeWithConfig(t *testing.T, cfg *config.Config) *testNode {
	t.Helper()
	n := NewNode(cfg, zap.NewNop())
	require.NoError(t, n.OpenShards())
	ts := httptest.NewServer(n.routes())
	cfg.Node.Addr = ts.URL
	t.Cleanup(func() {
		ts.Close()
		assert.NoError(t, n.Close())
	})
	return &testNode{Node: n, server: ts}
}

func vec(x, y float32) []float32 { return []float32{x, y} }

func unreachable(id string) cluster.NodeInfo {
	return cluster.NodeInfo{ID: id, Addr: "http://127.0.0.1:1", State: cluster.NodeAlive}
}

func TestNodeAddShard(t *testing.T) {
	n := NewNode(testConfig(t, "node-1", ""), nil)
	require.Nil(t, n.GetShard(1))

	s, err := shard.Open(t.TempDir(), 1, storage.Options{NoSync: true})
	require.NoError(t, err)
	n.AddShard(s)
	assert.Same(t, s, n.GetShard(1))

	other, err := shard.Open(t.TempDir(), 1, storage.Options{NoSync: true})
	require.NoError(t, err)
	n.AddShard(other)
	assert.Same(t, other, n.GetShard(1))

	require.NoError(t, s.Close())
	require.NoError(t, n.Close())
}

func TestNodeShardOpensOnDemand(t *testing.T) {
	n := startNode(t, "node-1", "")

	tests := []struct {
		name     string
		id       int
		wantCode xerr.Code
	}{
		{name: "first shard", id: 0},
		{name: "last shard", id: 3},
		{name: "beyond shard count", id: 4, wantCode: xerr.BadRequest},
		{name: "negative", id: -1, wantCode: xerr.BadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := n.Shard(tt.id)
			if tt.wantCode != xerr.OK {
				assert.Equal(t, tt.wantCode, xerr.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, s.ID)
			assert.Same(t, s, n.GetShard(tt.id))
			assert.DirExists(t, shard.Dir(n.cfg.Storage.WALDir, tt.id))
		})
	}
}

func TestOpenShardsRecoversFromDisk(t *testing.T) {
	cfg := testConfig(t, "node-1", "")

	n := NewNode(cfg, zap.NewNop())
	require.NoError(t, n.OpenShards())
	for _, id := range []int{0, 2} {
		_, err := n.Write(context.Background(), id, cluster.PrimaryWriteRequest{
			Record: storage.Record{Key: "k", Vector: vec(1, 0)},
		})
		require.NoError(t, err)
	}
	s, err := n.Shard(2)
	require.NoError(t, err)
	_, _, err = s.Delete("k")
	require.NoError(t, err)
	require.NoError(t, n.Close())

	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Storage.WALDir, "shard-9"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Storage.WALDir, "lost+found"), 0o755))

	n = NewNode(cfg, zap.NewNop())
	require.NoError(t, n.OpenShards())
	defer n.Close()

	require.NotNil(t, n.GetShard(0))
	require.NotNil(t, n.GetShard(2))
	assert.Nil(t, n.GetShard(9))

	rec, err := n.GetShard(0).Get("k")
	require.NoError(t, err)
	assert.Equal(t, vec(1, 0), rec.Vector)

	_, err = n.GetShard(2).Get("k")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	assert.NoError(t, n.ready())
}

func TestWriteReplicatesToReplicas(t *testing.T) {
	coord := newFakeCoordinator(t)
	primary := startNode(t, "a", coord.server.URL)
	b := startNode(t, "b", coord.server.URL)
	c := startNode(t, "c", coord.server.URL)

	res, err := primary.Write(context.Background(), 1, cluster.PrimaryWriteRequest{
		Record:     storage.Record{Key: "doc-1", Vector: vec(0, 1), Attrs: map[string]string{"lang": "go"}},
		Replicas:   []cluster.NodeInfo{b.info(), c.info()},
		ReplicaNum: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-1", res.Key)
	assert.Equal(t, 1, res.ShardID)
	assert.Equal(t, 2, res.Required)
	assert.GreaterOrEqual(t, res.Acks, 2)
	assert.NotZero(t, res.Seq)

	for _, replica := range []*testNode{b, c} {
		replica := replica
		assert.Eventually(t, func() bool {
			s := replica.GetShard(1)
			if s == nil {
				return false
			}
			rec, err := s.Get("doc-1")
			return err == nil && rec.Attrs["lang"] == "go"
		}, 2*time.Second, 10*time.Millisecond, "replica %s", replica.ID)
	}
	assert.Equal(t, uint64(1), b.GetShard(1).GetStats().Ops.Replicated)
	assert.True(t, primary.GetShard(1).Info().Primary)
	assert.Empty(t, coord.got("suspect"))
}

func TestWriteDegradedStillSucceeds(t *testing.T) {
	coord := newFakeCoordinator(t)
	primary := startNode(t, "a", coord.server.URL)
	b := startNode(t, "b", coord.server.URL)

	res, err := primary.Write(context.Background(), 0, cluster.PrimaryWriteRequest{
		Record:   storage.Record{Key: "k", Vector: vec(1, 1)},
		Replicas: []cluster.NodeInfo{b.info(), unreachable("c")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Acks)
	assert.True(t, res.Degraded)

	assert.Eventually(t, func() bool {
		got := coord.got("suspect")
		return len(got) == 1 && got[0] == "c"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWriteQuorumFailureRollsBack(t *testing.T) {
	coord := newFakeCoordinator(t)
	primary := startNode(t, "a", coord.server.URL)
	b := startNode(t, "b", coord.server.URL)

	_, err := primary.Write(context.Background(), 0, cluster.PrimaryWriteRequest{
		Record: storage.Record{Key: "existing", Vector: vec(1, 0)},
	})
	require.NoError(t, err)

	replicas := []cluster.NodeInfo{b.info(), unreachable("c"), unreachable("d")}

	t.Run("new key is removed everywhere", func(t *testing.T) {
		res, err := primary.Write(context.Background(), 0, cluster.PrimaryWriteRequest{
			Record:   storage.Record{Key: "fresh", Vector: vec(0, 1)},
			Replicas: replicas,
		})
		require.Error(t, err)
		assert.Equal(t, xerr.QuorumFailure, xerr.CodeOf(err))
		assert.Equal(t, 2, res.Acks)
		assert.Equal(t, 3, res.Required)

		_, err = primary.GetShard(0).Get("fresh")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
		_, err = b.GetShard(0).Get("fresh")
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	})

	t.Run("overwrite restores previous value", func(t *testing.T) {
		_, err := primary.Write(context.Background(), 0, cluster.PrimaryWriteRequest{
			Record:   storage.Record{Key: "existing", Vector: vec(0, 1)},
			Replicas: replicas,
		})
		require.Error(t, err)

		rec, err := primary.GetShard(0).Get("existing")
		require.NoError(t, err)
		assert.Equal(t, vec(1, 0), rec.Vector)
		rec, err = b.GetShard(0).Get("existing")
		require.NoError(t, err)
		assert.Equal(t, vec(1, 0), rec.Vector)
	})

	assert.Eventually(t, func() bool {
		return len(coord.got("suspect")) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWriteRejectedWithoutReachableQuorum(t *testing.T) {
	n := startNode(t, "a", "")
	suspected := []cluster.NodeInfo{
		{ID: "b", Addr: "http://127.0.0.1:1", State: cluster.NodeSuspected},
		{ID: "c", Addr: "http://127.0.0.1:1", State: cluster.NodeDead},
	}

	_, err := n.Write(context.Background(), 0, cluster.PrimaryWriteRequest{
		Record:   storage.Record{Key: "k", Vector: vec(1, 0)},
		Replicas: suspected,
	})
	assert.Equal(t, xerr.QuorumFailure, xerr.CodeOf(err))
	_, err = n.GetShard(0).Get("k")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestWriteValidation(t *testing.T) {
	n := startNode(t, "a", "")

	tests := []struct {
		name     string
		shardID  int
		record   storage.Record
		wantCode xerr.Code
	}{
		{name: "missing key", record: storage.Record{Vector: vec(1, 0)}, wantCode: xerr.BadRequest},
		{name: "missing vector", record: storage.Record{Key: "k"}, wantCode: xerr.BadRequest},
		{name: "wrong dimension", record: storage.Record{Key: "k", Vector: []float32{1, 2, 3}}, wantCode: xerr.DimensionMismatch},
		{name: "unknown shard", shardID: 7, record: storage.Record{Key: "k", Vector: vec(1, 0)}, wantCode: xerr.BadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Write(context.Background(), tt.shardID, cluster.PrimaryWriteRequest{Record: tt.record})
			assert.Equal(t, tt.wantCode, xerr.CodeOf(err))
		})
	}
}

func TestReplicate(t *testing.T) {
	n := startNode(t, "b", "")
	rec := storage.Record{Key: "k", Vector: vec(1, 0)}

	tests := []struct {
		name     string
		req      cluster.ReplicateRequest
		wantCode xerr.Code
		present  bool
	}{
		{name: "put", req: cluster.ReplicateRequest{Op: cluster.OpPut, Key: "k", Record: &rec, OriginSeq: 7}, present: true},
		{name: "put without record", req: cluster.ReplicateRequest{Op: cluster.OpPut, Key: "k"}, wantCode: xerr.BadRequest, present: true},
		{name: "put with other key", req: cluster.ReplicateRequest{Op: cluster.OpPut, Key: "x", Record: &rec}, wantCode: xerr.BadRequest, present: true},
		{name: "unknown op", req: cluster.ReplicateRequest{Op: "merge", Key: "k"}, wantCode: xerr.BadRequest, present: true},
		{name: "missing key", req: cluster.ReplicateRequest{Op: cluster.OpDelete}, wantCode: xerr.BadRequest, present: true},
		{name: "delete", req: cluster.ReplicateRequest{Op: cluster.OpDelete, Key: "k"}},
		{name: "delete again", req: cluster.ReplicateRequest{Op: cluster.OpDelete, Key: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := n.Replicate(2, tt.req)
			assert.Equal(t, tt.wantCode, xerr.CodeOf(err))
			if err == nil {
				assert.NotZero(t, res.Seq)
				assert.True(t, res.Applied)
			}
			_, err = n.GetShard(2).Get("k")
			assert.Equal(t, tt.present, err == nil)
		})
	}
}

// TestReplicateSkipsStaleWrites tests that a replica keeps the newest
// version of a key whatever order the writes arrive in.
func TestReplicateSkipsStaleWrites(t *testing.T) {
	n := startNode(t, "b", "")
	newer := storage.Record{Key: "k", Vector: vec(0, 1)}
	older := storage.Record{Key: "k", Vector: vec(1, 0)}

	tests := []struct {
		name        string
		req         cluster.ReplicateRequest
		wantApplied bool
		wantVector  []float32
	}{
		{name: "newer put", req: cluster.ReplicateRequest{Op: cluster.OpPut, Key: "k", Record: &newer, Version: 20}, wantApplied: true, wantVector: vec(0, 1)},
		{name: "older put arriving late", req: cluster.ReplicateRequest{Op: cluster.OpPut, Key: "k", Record: &older, Version: 10}, wantVector: vec(0, 1)},
		{name: "older delete arriving late", req: cluster.ReplicateRequest{Op: cluster.OpDelete, Key: "k", Version: 15}, wantVector: vec(0, 1)},
		{name: "newer delete", req: cluster.ReplicateRequest{Op: cluster.OpDelete, Key: "k", Version: 21}, wantApplied: true},
		{name: "put older than the tombstone", req: cluster.ReplicateRequest{Op: cluster.OpPut, Key: "k", Record: &older, Version: 18}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := n.Replicate(1, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantApplied, res.Applied)

			rec, err := n.GetShard(1).Get("k")
			if tt.wantVector == nil {
				assert.ErrorIs(t, err, storage.ErrKeyNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVector, rec.Vector)
		})
	}
}

// slowReplica serves node's API but refuses, after delay, the replicated
// writes refuse matches.
func slowReplica(t *testing.T, node *testNode, delay time.Duration, refuse func(cluster.ReplicateRequest) bool) cluster.NodeInfo {
	t.Helper()
	handler := node.routes()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/replicate") {
			body, _ := io.ReadAll(r.Body)
			var req cluster.ReplicateRequest
			if err := json.Unmarshal(body, &req); err != nil {
				cluster.WriteError(w, xerr.New(xerr.BadRequest, err.Error()))
				return
			}
			if refuse(req) {
				time.Sleep(delay)
				cluster.WriteError(w, xerr.New(xerr.Unavailable, "replica busy"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	return cluster.NodeInfo{ID: node.ID, Addr: ts.URL, State: cluster.NodeAlive}
}

// TestConcurrentWritesToOneKey tests that a failed write rolled back while
// a second write to the same key is in flight does not undo the second
// write on any copy.
func TestConcurrentWritesToOneKey(t *testing.T) {
	coord := newFakeCoordinator(t)
	primary := startNode(t, "a", coord.server.URL)
	first := vec(1, 0)
	refuseFirst := func(req cluster.ReplicateRequest) bool {
		return req.Op == cluster.OpPut && req.Record != nil && req.Record.Vector[0] == first[0]
	}

	var backing []*testNode
	var replicas []cluster.NodeInfo
	for _, id := range []string{"b", "c"} {
		tn := startNode(t, id, coord.server.URL)
		backing = append(backing, tn)
		replicas = append(replicas, slowReplica(t, tn, 100*time.Millisecond, refuseFirst))
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	write := func(i int, v []float32) {
		defer wg.Done()
		_, errs[i] = primary.Write(context.Background(), 0, cluster.PrimaryWriteRequest{
			Record:   storage.Record{Key: "k", Vector: v},
			Replicas: replicas,
		})
	}
	wg.Add(2)
	go write(0, first)
	time.Sleep(20 * time.Millisecond)
	go write(1, vec(0, 1))
	wg.Wait()

	assert.Equal(t, xerr.QuorumFailure, xerr.CodeOf(errs[0]))
	require.NoError(t, errs[1])

	rec, err := primary.GetShard(0).Get("k")
	require.NoError(t, err)
	assert.Equal(t, vec(0, 1), rec.Vector, "primary")
	for _, tn := range backing {
		rec, err := tn.GetShard(0).Get("k")
		require.NoError(t, err, "replica %s", tn.ID)
		assert.Equal(t, vec(0, 1), rec.Vector, "replica %s", tn.ID)
		assert.Equal(t, primary.GetShard(0).Store.Version("k"), rec.Version, "replica %s", tn.ID)
	}
}

// TestRollbackOutranksLateWrite tests that a replica receiving the undo of
// a failed write before the write itself ends up with the restored state.
func TestRollbackOutranksLateWrite(t *testing.T) {
	coord := newFakeCoordinator(t)
	primary := startNode(t, "a", coord.server.URL)
	b := startNode(t, "b", coord.server.URL)

	_, err := primary.Write(context.Background(), 0, cluster.PrimaryWriteRequest{
		Record:   storage.Record{Key: "k", Vector: vec(1, 0)},
		Replicas: []cluster.NodeInfo{b.info()},
	})
	require.NoError(t, err)
	failedVersion := primary.GetShard(0).Store.Version("k") + 1

	// The undo lands first.
	s := primary.GetShard(0)
	prev, err := s.Get("k")
	require.NoError(t, err)
	_, _, err = s.Put(prev)
	require.NoError(t, err)
	restored := s.Store.Version("k")
	_, err = b.Replicate(0, cluster.ReplicateRequest{Op: cluster.OpPut, Key: "k", Record: &prev, Version: restored})
	require.NoError(t, err)

	late := storage.Record{Key: "k", Vector: vec(0, 1)}
	res, err := b.Replicate(0, cluster.ReplicateRequest{Op: cluster.OpPut, Key: "k", Record: &late, Version: failedVersion})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	rec, err := b.GetShard(0).Get("k")
	require.NoError(t, err)
	assert.Equal(t, vec(1, 0), rec.Vector)
}

func TestReplayWAL(t *testing.T) {
	n := startNode(t, "a", "")
	for _, key := range []string{"k1", "k2"} {
		_, err := n.Write(context.Background(), 3, cluster.PrimaryWriteRequest{
			Record: storage.Record{Key: key, Vector: vec(1, 0)},
		})
		require.NoError(t, err)
	}

	count, err := n.ReplayWAL()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 2, n.GetShard(3).Store.Len())
	assert.NoError(t, n.ready())

	n.replaying.Store(true)
	_, err = n.ReplayWAL()
	assert.ErrorIs(t, err, ErrReplaying)
	_, err = n.Write(context.Background(), 3, cluster.PrimaryWriteRequest{
		Record: storage.Record{Key: "k3", Vector: vec(1, 0)},
	})
	assert.Equal(t, xerr.Unavailable, xerr.CodeOf(err))
	n.replaying.Store(false)
}

func TestCheckpoint(t *testing.T) {
	cfg := testConfig(t, "a", "")
	n := NewNode(cfg, zap.NewNop())
	require.NoError(t, n.OpenShards())
	_, err := n.Write(context.Background(), 0, cluster.PrimaryWriteRequest{
		Record: storage.Record{Key: "k", Vector: vec(1, 0)},
	})
	require.NoError(t, err)
	require.NoError(t, n.Checkpoint())
	require.NoError(t, n.Close())

	n = NewNode(cfg, zap.NewNop())
	require.NoError(t, n.OpenShards())
	defer n.Close()
	_, err = n.GetShard(0).Get("k")
	assert.NoError(t, err)
}

func TestOffline(t *testing.T) {
	coord := newFakeCoordinator(t)
	n := startNode(t, "a", coord.server.URL)

	require.NoError(t, n.Offline(context.Background()))
	require.NoError(t, n.Offline(context.Background()))
	assert.Equal(t, []string{"a"}, coord.got("deregister"))
	assert.ErrorIs(t, n.ready(), ErrOffline)
	assert.Equal(t, "offline", n.state())

	_, err := n.Write(context.Background(), 0, cluster.PrimaryWriteRequest{
		Record: storage.Record{Key: "k", Vector: vec(1, 0)},
	})
	assert.Equal(t, xerr.Unavailable, xerr.CodeOf(err))
	_, err = n.Replicate(0, cluster.ReplicateRequest{Op: cluster.OpDelete, Key: "k"})
	assert.Equal(t, xerr.Unavailable, xerr.CodeOf(err))
}

// TestOfflineDrainsRequests tests that Offline waits for admitted
// operations before deregistering.
func TestOfflineDrainsRequests(t *testing.T) {
	coord := newFakeCoordinator(t)
	n := startNode(t, "a", coord.server.URL)

	release, err := n.enter()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- n.Offline(context.Background()) }()

	require.Eventually(t, func() bool { return n.offline.Load() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, n.ready(), ErrOffline)

	select {
	case <-done:
		t.Fatal("Offline returned with a request in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, coord.got("deregister"))

	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Offline did not return after the request finished")
	}
	assert.Equal(t, []string{"a"}, coord.got("deregister"))
}

func TestDiskHealthChange(t *testing.T) {
	coord := newFakeCoordinator(t)
	n := startNode(t, "a", coord.server.URL)

	n.onDiskHealthChange(false, errors.New("disk full"))
	assert.ErrorIs(t, n.ready(), ErrDiskUnhealthy)
	assert.Equal(t, "disk_unhealthy", n.state())
	assert.Equal(t, []string{"a"}, coord.got("deregister"))

	n.onDiskHealthChange(true, nil)
	assert.NoError(t, n.ready())
	assert.Equal(t, []string{"a"}, coord.got("register"))
}

func TestDiskMonitorDeregisters(t *testing.T) {
	coord := newFakeCoordinator(t)
	n := startNode(t, "a", coord.server.URL)
	n.disk.SetUsageFunc(func(string) (float64, error) { return 99.5, nil })

	require.Error(t, n.disk.CheckDisk())
	assert.False(t, n.disk.DiskHealthy())
	assert.ErrorIs(t, n.ready(), ErrDiskUnhealthy)
	assert.Equal(t, []string{"a"}, coord.got("deregister"))
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name         string
		answer       func(attempt int) error
		wantErr      bool
		wantAttempts int
	}{
		{name: "first attempt", wantAttempts: 1},
		{
			name: "retries server errors",
			answer: func(attempt int) error {
				if attempt < 3 {
					return xerr.New(xerr.Internal, "not ready")
				}
				return nil
			},
			wantAttempts: 3,
		},
		{
			name:         "already registered",
			answer:       func(int) error { return xerr.New(xerr.DuplicateNode, "node exists") },
			wantAttempts: 1,
		},
		{
			name:         "client errors are permanent",
			answer:       func(int) error { return xerr.New(xerr.BadRequest, "bad addr") },
			wantErr:      true,
			wantAttempts: 1,
		},
		{
			name:         "gives up after retries",
			answer:       func(int) error { return xerr.New(xerr.Unavailable, "busy") },
			wantErr:      true,
			wantAttempts: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := newFakeCoordinator(t)
			coord.register = tt.answer
			n := NewNode(testConfig(t, "node-1", coord.server.URL), zap.NewNop())
			n.registerInterval = time.Millisecond
			defer n.Close()

			err := n.register(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, coord.got("register"), tt.wantAttempts)
		})
	}
}
