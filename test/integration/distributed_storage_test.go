package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/storage"
	"github.com/dreamware/shardvec/internal/xerr"
)

const (
	numShards = 4
	replicas  = 3
	dim       = 3
)

// binDir holds the coordinator and node binaries ("make build").
func binDir() string {
	if dir := os.Getenv("SHARDVEC_BIN_DIR"); dir != "" {
		return dir
	}
	return filepath.Join("..", "..", "bin")
}

// TestSystem is a coordinator and three data nodes running as processes.
type TestSystem struct {
	t         *testing.T
	coord     *exec.Cmd
	nodes     []*exec.Cmd
	coordAddr string
	nodeAddrs []string
	walDirs   []string
	metaPath  string
	client    *cluster.Client
}

func NewTestSystem(t *testing.T) *TestSystem {
	return &TestSystem{
		t:         t,
		coordAddr: "http://127.0.0.1:18080",
		nodeAddrs: []string{
			"http://127.0.0.1:18081",
			"http://127.0.0.1:18082",
			"http://127.0.0.1:18083",
		},
		walDirs:  []string{t.TempDir(), t.TempDir(), t.TempDir()},
		metaPath: filepath.Join(t.TempDir(), "coordinator.db"),
		nodes:    make([]*exec.Cmd, 3),
		client:   cluster.NewClient(5 * time.Second),
	}
}

func (ts *TestSystem) env(extra ...string) []string {
	env := append(os.Environ(),
		fmt.Sprintf("SHARD_COUNT=%d", numShards),
		fmt.Sprintf("REPLICA_COUNT=%d", replicas),
		fmt.Sprintf("VECTOR_DIM=%d", dim),
		"LOG_LEVEL=warn",
	)
	return append(env, extra...)
}

// Start launches the coordinator, then every node.
func (ts *TestSystem) Start() error {
	ts.coord = exec.Command(filepath.Join(binDir(), "coordinator"))
	ts.coord.Env = ts.env("COORDINATOR_LISTEN=:18080", "META_PATH="+ts.metaPath)
	ts.coord.Stdout = os.Stdout
	ts.coord.Stderr = os.Stderr
	if err := ts.coord.Start(); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	if err := ts.waitForService(ts.coordAddr + "/health"); err != nil {
		return fmt.Errorf("coordinator failed to start: %w", err)
	}

	for i := range ts.nodeAddrs {
		if err := ts.StartNode(i); err != nil {
			return err
		}
	}
	return ts.waitForAliveNodes(len(ts.nodeAddrs))
}

// StartNode (re)starts node i on its own WAL directory.
func (ts *TestSystem) StartNode(i int) error {
	cmd := exec.Command(filepath.Join(binDir(), "node"))
	cmd.Env = ts.env(
		fmt.Sprintf("NODE_ID=n%d", i+1),
		fmt.Sprintf("NODE_LISTEN=:1808%d", i+1),
		"NODE_ADDR="+ts.nodeAddrs[i],
		"COORDINATOR_ADDR="+ts.coordAddr,
		"WAL_DIR="+ts.walDirs[i],
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start node %d: %w", i+1, err)
	}
	ts.nodes[i] = cmd
	if err := ts.waitForService(ts.nodeAddrs[i] + "/health"); err != nil {
		return fmt.Errorf("node %d failed to start: %w", i+1, err)
	}
	return nil
}

// KillNode stops node i without letting it deregister.
func (ts *TestSystem) KillNode(i int) {
	if cmd := ts.nodes[i]; cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	ts.nodes[i] = nil
}

func (ts *TestSystem) Stop() {
	for i := range ts.nodes {
		ts.KillNode(i)
	}
	if ts.coord != nil && ts.coord.Process != nil {
		_ = ts.coord.Process.Kill()
		_ = ts.coord.Wait()
	}
}

func (ts *TestSystem) waitForService(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		if err := ts.client.GetJSON(ctx, url, nil); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s", url)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (ts *TestSystem) waitForAliveNodes(n int) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		nodes, err := ts.Nodes()
		if err == nil {
			alive := 0
			for _, node := range nodes {
				if node.Alive() {
					alive++
				}
			}
			if alive == n {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %d alive nodes", n)
}

func (ts *TestSystem) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	ts.t.Cleanup(cancel)
	return ctx
}

func (ts *TestSystem) Put(rec storage.Record) (cluster.WriteResult, error) {
	var res cluster.WriteResult
	err := ts.client.PostJSON(ts.ctx(), ts.coordAddr+"/records", cluster.WriteRequest{Record: rec}, &res)
	return res, err
}

func (ts *TestSystem) Get(key string) (storage.Record, error) {
	var rec storage.Record
	err := ts.client.GetJSON(ts.ctx(), ts.coordAddr+"/records/"+key, &rec)
	return rec, err
}

func (ts *TestSystem) Delete(key string) (cluster.DeleteResponse, error) {
	var resp cluster.DeleteResponse
	err := ts.client.DeleteJSON(ts.ctx(), ts.coordAddr+"/records/"+key, &resp)
	return resp, err
}

func (ts *TestSystem) Query(q cluster.QueryRequest) (cluster.QueryResponse, error) {
	var resp cluster.QueryResponse
	err := ts.client.PostJSON(ts.ctx(), ts.coordAddr+"/query", q, &resp)
	return resp, err
}

func (ts *TestSystem) Nodes() ([]cluster.NodeInfo, error) {
	var resp cluster.NodesResponse
	err := ts.client.GetJSON(ts.ctx(), ts.coordAddr+"/nodes", &resp)
	return resp.Nodes, err
}

// TestDistributedVectorStore runs end-to-end scenarios against real
// binaries.
func TestDistributedVectorStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	for _, bin := range []string{"coordinator", "node"} {
		if _, err := os.Stat(filepath.Join(binDir(), bin)); os.IsNotExist(err) {
			t.Skipf("Skipping integration test: %s binary not found (run 'make build' first)", bin)
		}
	}

	ts := NewTestSystem(t)
	require.NoError(t, ts.Start())
	defer ts.Stop()

	t.Run("AddAndGet", func(t *testing.T) { testAddAndGet(t, ts) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, ts) })
	t.Run("QueryAcrossShards", func(t *testing.T) { testQueryAcrossShards(t, ts) })
	t.Run("CascadeDelete", func(t *testing.T) { testCascadeDelete(t, ts) })
	t.Run("Validation", func(t *testing.T) { testValidation(t, ts) })
	t.Run("ConcurrentWrites", func(t *testing.T) { testConcurrentWrites(t, ts) })
	t.Run("SurvivesNodeLoss", func(t *testing.T) { testSurvivesNodeLoss(t, ts) })
	t.Run("RecoversFromWAL", func(t *testing.T) { testRecoversFromWAL(t, ts) })
}

func testAddAndGet(t *testing.T, ts *TestSystem) {
	res, err := ts.Put(storage.Record{Key: "greeting", Vector: []float32{1, 0, 0}, Attrs: map[string]string{"lang": "en"}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Acks, 2)
	assert.Equal(t, cluster.ShardForKey("greeting", numShards), res.ShardID)

	rec, err := ts.Get("greeting")
	require.NoError(t, err)
	assert.Equal(t, "en", rec.Attrs["lang"])

	_, err = ts.Get("never-written")
	assert.Equal(t, xerr.NotFound, xerr.CodeOf(err))
}

func testUpdate(t *testing.T, ts *TestSystem) {
	_, err := ts.Put(storage.Record{Key: "counter", Vector: []float32{0, 1, 0}, Attrs: map[string]string{"v": "1"}})
	require.NoError(t, err)
	_, err = ts.Put(storage.Record{Key: "counter", Vector: []float32{0, 1, 0}, Attrs: map[string]string{"v": "2"}})
	require.NoError(t, err)

	rec, err := ts.Get("counter")
	require.NoError(t, err)
	assert.Equal(t, "2", rec.Attrs["v"])
}

func testQueryAcrossShards(t *testing.T, ts *TestSystem) {
	for i := 0; i < 20; i++ {
		_, err := ts.Put(storage.Record{
			Key:    fmt.Sprintf("q-%02d", i),
			Vector: []float32{float32(i), 1, 0},
			Attrs:  map[string]string{"set": "query"},
		})
		require.NoError(t, err)
	}

	resp, err := ts.Query(cluster.QueryRequest{Query: storage.Query{
		Vector: []float32{1, 0, 0},
		Filter: map[string]string{"set": "query"},
		TopK:   5,
	}})
	require.NoError(t, err)
	assert.False(t, resp.Partial)
	require.Len(t, resp.Hits, 5)
	assert.Equal(t, "q-19", resp.Hits[0].Key)
	for i := 1; i < len(resp.Hits); i++ {
		assert.GreaterOrEqual(t, resp.Hits[i-1].Score, resp.Hits[i].Score)
	}
}

func testCascadeDelete(t *testing.T, ts *TestSystem) {
	_, err := ts.Put(storage.Record{Key: "report", Vector: []float32{0, 0, 1}})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := ts.Put(storage.Record{
			Key:     fmt.Sprintf("report#%d", i),
			Vector:  []float32{0, 0, 1},
			RootKey: "report",
			ChunkID: fmt.Sprint(i),
		})
		require.NoError(t, err)
	}

	resp, err := ts.Delete("report")
	require.NoError(t, err)
	assert.Equal(t, 4, resp.ChunksDeleted)

	for i := 0; i < 4; i++ {
		_, err := ts.Get(fmt.Sprintf("report#%d", i))
		assert.Equal(t, xerr.NotFound, xerr.CodeOf(err))
	}

	_, err = ts.Delete("report")
	assert.NoError(t, err)
}

func testValidation(t *testing.T, ts *TestSystem) {
	_, err := ts.Put(storage.Record{Key: "bad", Vector: []float32{1, 2}})
	assert.Equal(t, xerr.DimensionMismatch, xerr.CodeOf(err))

	_, err = ts.Query(cluster.QueryRequest{Query: storage.Query{Vector: []float32{1}}})
	assert.Equal(t, xerr.DimensionMismatch, xerr.CodeOf(err))
}

func testConcurrentWrites(t *testing.T, ts *TestSystem) {
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ts.Put(storage.Record{Key: fmt.Sprintf("c-%d", i), Vector: []float32{1, 1, 1}})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	for i := 0; i < 50; i++ {
		_, err := ts.Get(fmt.Sprintf("c-%d", i))
		assert.NoError(t, err)
	}
}

func testSurvivesNodeLoss(t *testing.T, ts *TestSystem) {
	ts.KillNode(2)

	for i := 0; i < 10; i++ {
		res, err := ts.Put(storage.Record{Key: fmt.Sprintf("loss-%d", i), Vector: []float32{0, 1, 1}})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Acks, 2)
	}

	resp, err := ts.Query(cluster.QueryRequest{Query: storage.Query{Vector: []float32{0, 1, 1}, TopK: 3}})
	require.NoError(t, err)
	assert.Len(t, resp.Hits, 3)

	require.NoError(t, ts.StartNode(2))
	require.NoError(t, ts.waitForAliveNodes(3))
}

func testRecoversFromWAL(t *testing.T, ts *TestSystem) {
	_, err := ts.Put(storage.Record{Key: "durable", Vector: []float32{1, 0, 1}})
	require.NoError(t, err)
	shardID := cluster.ShardForKey("durable", numShards)
	url := fmt.Sprintf("%s/shard/%d/records/durable", ts.nodeAddrs[0], shardID)

	// Every node holds every shard; wait for n1's copy before crashing it.
	require.Eventually(t, func() bool {
		return ts.client.GetJSON(ts.ctx(), url, nil) == nil
	}, 5*time.Second, 50*time.Millisecond)

	ts.KillNode(0)
	require.NoError(t, ts.StartNode(0))

	var rec storage.Record
	require.NoError(t, ts.client.GetJSON(ts.ctx(), url, &rec))
	assert.Equal(t, []float32{1, 0, 1}, rec.Vector)
}

// TestShardDistribution checks that keys spread over shards evenly enough
// for routing to balance load.
func TestShardDistribution(t *testing.T) {
	counts := make(map[int]int)
	for i := 0; i < 1000; i++ {
		counts[cluster.ShardForKey(fmt.Sprintf("test-key-%d", i), numShards)]++
	}
	require.Len(t, counts, numShards)
	for shard, count := range counts {
		if count < 125 || count > 375 {
			t.Errorf("Shard %d has poor distribution: %d keys", shard, count)
		}
	}
}
