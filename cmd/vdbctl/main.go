// Command vdbctl is the operator CLI for a shardvec cluster. It talks to the
// coordinator for record and membership operations and directly to data
// nodes for node-local ones (offline, replay_wal, export).
//
//	vdbctl --coordinator http://localhost:8080 list-nodes
//	vdbctl put --key doc-1 --vector 0.1,0.9 --attr lang=go
//	vdbctl search --vector 0.1,0.9 --top-k 5 --filter lang=go
//	vdbctl export --node http://localhost:8081 --shard 3 --out shard-3.jsonl.zst
package main

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/urfave/cli/v2"

	"github.com/dreamware/shardvec/internal/cluster"
	"github.com/dreamware/shardvec/internal/storage"
	"github.com/dreamware/shardvec/internal/xerr"
)

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "vdbctl:", err)
		os.Exit(1)
	}
}

func newApp(out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:      "vdbctl",
		Usage:     "operate a shardvec cluster",
		Writer:    out,
		ErrWriter: errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "coordinator",
				Aliases: []string{"c"},
				Usage:   "coordinator base URL",
				Value:   "http://127.0.0.1:8080",
				EnvVars: []string{"SHARDVEC_COORDINATOR"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "per-request timeout",
				Value: 10 * time.Second,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "register-node",
				Usage: "add a data node to the cluster",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
					&cli.StringFlag{Name: "addr", Required: true, Usage: "node base URL"},
				},
				Action: registerNode,
			},
			{
				Name:  "deregister-node",
				Usage: "remove a data node from the cluster",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
				},
				Action: deregisterNode,
			},
			{
				Name:   "list-nodes",
				Usage:  "show every registered node and its state",
				Action: listNodes,
			},
			{
				Name:  "describe-node",
				Usage: "show one node's shards, catch-up state and health",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
				},
				Action: describeNode,
			},
			{
				Name:   "shards",
				Usage:  "show the shard assignment table",
				Action: shards,
			},
			{
				Name:   "put",
				Usage:  "add or update one record",
				Flags:  recordFlags(),
				Action: put,
			},
			{
				Name:      "batch-put",
				Usage:     "add records from a JSON lines file (- for stdin)",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "replicas", Usage: "copies per record, 0 for the cluster default"},
				},
				Action: batchPut,
			},
			{
				Name:      "get",
				Usage:     "fetch a record by key",
				ArgsUsage: "KEY",
				Action:    get,
			},
			{
				Name:      "delete",
				Usage:     "delete a record and, by default, every chunk rooted at it",
				ArgsUsage: "KEY",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "cascade", Value: true},
				},
				Action: del,
			},
			{
				Name:  "search",
				Usage: "run a similarity and/or attribute query",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "vector", Usage: "comma separated floats"},
					&cli.IntFlag{Name: "top-k", Value: storage.DefaultTopK},
					&cli.StringSliceFlag{Name: "filter", Usage: "attribute match as key=value, repeatable"},
					&cli.Float64Flag{Name: "threshold", Usage: "minimum similarity"},
					&cli.BoolFlag{Name: "aggregate", Usage: "group chunks by root key"},
				},
				Action: search,
			},
			{
				Name:   "offline",
				Usage:  "take a data node out of service",
				Flags:  []cli.Flag{nodeFlag()},
				Action: nodePost("/offline"),
			},
			{
				Name:   "replay",
				Usage:  "make a data node rebuild its shards from the WAL",
				Flags:  []cli.Flag{nodeFlag()},
				Action: nodePost("/replay_wal"),
			},
			{
				Name:  "export",
				Usage: "dump every record of a shard copy as JSON lines",
				Flags: []cli.Flag{
					nodeFlag(),
					&cli.IntFlag{Name: "shard", Required: true},
					&cli.StringFlag{Name: "out", Usage: "output file, zstd compressed when it ends in .zst"},
				},
				Action: export,
			},
		},
	}
}

func nodeFlag() cli.Flag {
	return &cli.StringFlag{Name: "node", Required: true, Usage: "data node base URL"}
}

func recordFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "key", Required: true},
		&cli.StringFlag{Name: "vector", Required: true, Usage: "comma separated floats"},
		&cli.StringSliceFlag{Name: "attr", Usage: "attribute as key=value, repeatable"},
		&cli.StringFlag{Name: "root", Usage: "root document key of a chunk"},
		&cli.StringFlag{Name: "chunk", Usage: "chunk id within the root document"},
		&cli.StringFlag{Name: "text", Usage: "chunk text"},
		&cli.StringFlag{Name: "file-path"},
		&cli.StringFlag{Name: "file-type"},
		&cli.IntFlag{Name: "replicas", Usage: "copies to write, 0 for the cluster default"},
	}
}

func client(c *cli.Context) *cluster.Client {
	return cluster.NewClient(c.Duration("timeout"))
}

func coordinatorURL(c *cli.Context, path string) string {
	return cluster.URL(c.String("coordinator"), path)
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseVector(s string) ([]float32, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q", p)
		}
		out = append(out, float32(f))
	}
	return out, nil
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func firstArg(c *cli.Context, name string) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("%s takes exactly one %s argument", c.Command.Name, name)
	}
	return c.Args().First(), nil
}

func registerNode(c *cli.Context) error {
	var node cluster.NodeInfo
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: c.String("id"), Addr: c.String("addr")}}
	if err := client(c).PostJSON(c.Context, coordinatorURL(c, "/register"), body, &node); err != nil {
		return err
	}
	return printJSON(c, node)
}

func deregisterNode(c *cli.Context) error {
	body := cluster.NodeIDRequest{NodeID: c.String("id")}
	if err := client(c).PostJSON(c.Context, coordinatorURL(c, "/deregister"), body, nil); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "deregistered %s\n", body.NodeID)
	return nil
}

func listNodes(c *cli.Context) error {
	var resp cluster.NodesResponse
	if err := client(c).GetJSON(c.Context, coordinatorURL(c, "/nodes"), &resp); err != nil {
		return err
	}
	for _, n := range resp.Nodes {
		fmt.Fprintf(c.App.Writer, "%-20s %-10s %s\n", n.ID, n.State, n.Addr)
	}
	return nil
}

func describeNode(c *cli.Context) error {
	var detail json.RawMessage
	path := "/nodes/" + url.PathEscape(c.String("id"))
	if err := client(c).GetJSON(c.Context, coordinatorURL(c, path), &detail); err != nil {
		return err
	}
	return printJSON(c, detail)
}

func shards(c *cli.Context) error {
	var table json.RawMessage
	if err := client(c).GetJSON(c.Context, coordinatorURL(c, "/shards"), &table); err != nil {
		return err
	}
	return printJSON(c, table)
}

func put(c *cli.Context) error {
	vector, err := parseVector(c.String("vector"))
	if err != nil {
		return err
	}
	attrs, err := parsePairs(c.StringSlice("attr"))
	if err != nil {
		return err
	}
	req := cluster.WriteRequest{
		Record: storage.Record{
			Key:       c.String("key"),
			Vector:    vector,
			Attrs:     attrs,
			RootKey:   c.String("root"),
			ChunkID:   c.String("chunk"),
			ChunkText: c.String("text"),
			FilePath:  c.String("file-path"),
			FileType:  c.String("file-type"),
		},
		ReplicaNum: c.Int("replicas"),
	}
	var res cluster.WriteResult
	if err := client(c).PostJSON(c.Context, coordinatorURL(c, "/records"), req, &res); err != nil {
		return err
	}
	return printJSON(c, res)
}

func batchPut(c *cli.Context) error {
	name, err := firstArg(c, "FILE")
	if err != nil {
		return err
	}
	var r io.Reader = os.Stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	records, err := readRecords(r)
	if err != nil {
		return err
	}

	req := cluster.BatchWriteRequest{Records: records, ReplicaNum: c.Int("replicas")}
	var resp cluster.BatchWriteResponse
	err = client(c).PostJSON(c.Context, coordinatorURL(c, "/records/batch"), req, &resp)
	if err != nil && resp.Results == nil {
		return err
	}
	for _, item := range resp.Results {
		if item.Code != xerr.OK {
			fmt.Fprintf(c.App.ErrWriter, "%s: %s (%d)\n", item.Key, item.Message, item.Code)
		}
	}
	fmt.Fprintf(c.App.Writer, "%d written, %d failed\n", resp.Succeeded, resp.Failed)
	if resp.Failed > 0 {
		return fmt.Errorf("%d of %d records failed", resp.Failed, len(records))
	}
	return nil
}

// readRecords decodes one JSON record per line, skipping blank lines.
func readRecords(r io.Reader) ([]storage.Record, error) {
	var out []storage.Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec storage.Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

func get(c *cli.Context) error {
	key, err := firstArg(c, "KEY")
	if err != nil {
		return err
	}
	var rec storage.Record
	if err := client(c).GetJSON(c.Context, coordinatorURL(c, "/records/"+url.PathEscape(key)), &rec); err != nil {
		return err
	}
	return printJSON(c, rec)
}

func del(c *cli.Context) error {
	key, err := firstArg(c, "KEY")
	if err != nil {
		return err
	}
	u := coordinatorURL(c, "/records/"+url.PathEscape(key))
	if !c.Bool("cascade") {
		u += "?cascade=false"
	}
	var resp cluster.DeleteResponse
	if err := client(c).DeleteJSON(c.Context, u, &resp); err != nil {
		return err
	}
	return printJSON(c, resp)
}

func search(c *cli.Context) error {
	vector, err := parseVector(c.String("vector"))
	if err != nil {
		return err
	}
	filter, err := parsePairs(c.StringSlice("filter"))
	if err != nil {
		return err
	}
	req := cluster.QueryRequest{
		Query:     storage.Query{Vector: vector, Filter: filter, TopK: c.Int("top-k")},
		Aggregate: c.Bool("aggregate"),
	}
	if c.IsSet("threshold") {
		th := float32(c.Float64("threshold"))
		req.Threshold = &th
	}

	var resp cluster.QueryResponse
	err = client(c).PostJSON(c.Context, coordinatorURL(c, "/query"), req, &resp)
	switch {
	case xerr.CodeOf(err) == xerr.PartialResult:
		fmt.Fprintf(c.App.ErrWriter, "warning: partial result, unreachable shards %v\n", resp.UnreachableShards)
	case err != nil:
		return err
	}
	return printJSON(c, resp)
}

// nodePost sends an empty POST to path on --node and prints the reply.
func nodePost(path string) cli.ActionFunc {
	return func(c *cli.Context) error {
		var resp json.RawMessage
		if err := client(c).PostJSON(c.Context, cluster.URL(c.String("node"), path), nil, &resp); err != nil {
			return err
		}
		return printJSON(c, resp)
	}
}

func export(c *cli.Context) error {
	var resp cluster.VectorsResponse
	u := cluster.URL(c.String("node"), fmt.Sprintf("/shard/%d/vectors", c.Int("shard")))
	if err := cluster.NewClient(10*c.Duration("timeout")).GetJSON(c.Context, u, &resp); err != nil {
		return err
	}

	w := c.App.Writer
	var zw *zstd.Encoder
	if name := c.String("out"); name != "" {
		f, err := os.Create(name)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
		if strings.HasSuffix(name, ".zst") {
			if zw, err = zstd.NewWriter(f); err != nil {
				return err
			}
			w = zw
		}
	}

	enc := json.NewEncoder(w)
	for _, rec := range resp.Records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.App.ErrWriter, "exported %d records from shard %d\n", resp.Count, resp.ShardID)
	return nil
}
