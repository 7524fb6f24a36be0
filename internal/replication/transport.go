package replication

import (
	"context"
	"fmt"

	"github.com/dreamware/shardvec/internal/cluster"
)

// HTTPTransport delivers ops with POST /shard/{id}/replicate.
type HTTPTransport struct {
	Client *cluster.Client
}

// NewHTTPTransport creates a transport using client.
func NewHTTPTransport(client *cluster.Client) *HTTPTransport {
	return &HTTPTransport{Client: client}
}

// Replicate implements Transport.
func (t *HTTPTransport) Replicate(ctx context.Context, node cluster.NodeInfo, op Op) error {
	url := cluster.URL(node.Addr, fmt.Sprintf("/shard/%d/replicate", op.ShardID))
	req := cluster.ReplicateRequest{
		Op:        op.Type,
		Key:       op.Key,
		Record:    op.Record,
		Version:   op.Version,
		OriginSeq: op.OriginSeq,
	}
	return t.Client.PostJSON(ctx, url, req, nil)
}
