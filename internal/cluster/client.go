package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/dreamware/shardvec/internal/xerr"
)

// RequestIDHeader carries the coordinator-assigned request id to nodes.
const RequestIDHeader = "X-Request-ID"

// ErrUnreachable wraps transport failures: the peer could not be reached or
// answered with something that is not an envelope.
var ErrUnreachable = xerr.New(xerr.Unavailable, "node unreachable")

type requestIDKey struct{}

// WithRequestID attaches a request id that Client forwards on every call
// made with the returned context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id carried by ctx, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Client speaks the envelope protocol to coordinators and nodes.
type Client struct {
	http *http.Client
}

// NewClient creates a client whose requests time out after timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// DefaultClient is used by the package-level helpers.
var DefaultClient = NewClient(5 * time.Second)

// URL joins a node address and a path. Addresses may be given with or
// without a scheme.
func URL(addr, path string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + path
}

// Do sends body as JSON and decodes the response envelope. A non-zero
// envelope code is returned as a *xerr.CodeError; when the envelope also
// carries data (PartialResult), out is still filled in.
func (c *Client) Do(ctx context.Context, method, url string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", xerr.ErrBadRequest, err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := RequestIDFrom(ctx); id != "" {
		req.Header.Set(RequestIDHeader, id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrUnreachable, url, err)
	}

	var env Response
	if len(raw) == 0 || json.Unmarshal(raw, &env) != nil {
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%w: http %s: %d", ErrUnreachable, url, resp.StatusCode)
		}
		return nil
	}

	if env.Code == xerr.OK && resp.StatusCode >= 300 {
		return fmt.Errorf("%w: http %s: %d", ErrUnreachable, url, resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrUnreachable, url, err)
		}
	}
	if env.Code != xerr.OK {
		return xerr.New(env.Code, env.Message)
	}
	return nil
}

// PostJSON sends a POST request.
func (c *Client) PostJSON(ctx context.Context, url string, body, out any) error {
	return c.Do(ctx, http.MethodPost, url, body, out)
}

// PutJSON sends a PUT request.
func (c *Client) PutJSON(ctx context.Context, url string, body, out any) error {
	return c.Do(ctx, http.MethodPut, url, body, out)
}

// GetJSON sends a GET request.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	return c.Do(ctx, http.MethodGet, url, nil, out)
}

// DeleteJSON sends a DELETE request.
func (c *Client) DeleteJSON(ctx context.Context, url string, out any) error {
	return c.Do(ctx, http.MethodDelete, url, nil, out)
}

// PostJSON sends a POST request with DefaultClient.
func PostJSON(ctx context.Context, url string, body, out any) error {
	return DefaultClient.PostJSON(ctx, url, body, out)
}

// GetJSON sends a GET request with DefaultClient.
func GetJSON(ctx context.Context, url string, out any) error {
	return DefaultClient.GetJSON(ctx, url, out)
}
