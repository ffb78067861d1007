package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftlabs/driftdb/pkg/logger"
	"github.com/driftlabs/driftdb/pkg/revtree"
	"github.com/driftlabs/driftdb/pkg/store"
)

// Client talks to a store served by Handler. It implements both sides of
// replication plus Watchable, so a remote is interchangeable with a
// local store wherever replication is concerned.
type Client struct {
	baseURL string
	http    *http.Client
	headers http.Header
	log     logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client, e.g. to set timeouts
// or a custom transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHeader adds a header to every request, typically Authorization.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// WithLogger sets the client's logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient builds a client for the store served at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote URL %q must use http or https", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		headers: make(http.Header),
		log:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the remote's base URL, used as its stable endpoint
// name for checkpoint derivation.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// statusError maps a non-2xx response onto the store error taxonomy.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	detail := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		detail = payload.Error
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s rejected (%s): %w", op, detail, store.ErrDenied)
	case http.StatusNotFound:
		return fmt.Errorf("%s (%s): %w", op, detail, store.ErrNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s (%s): %w", op, detail, store.ErrConflict)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%s (%s): %w", op, detail, store.ErrCorruptTree)
	default:
		return &store.TransientError{Op: op, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, detail)}
	}
}

// doJSON performs one request and decodes the JSON response into out
// when it is non-nil. Network failures surface as TransientError so the
// session retries them.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &store.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &store.TransientError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}
	return nil
}

func (c *Client) ChangesSince(ctx context.Context, seq uint64, limit int) ([]store.Change, error) {
	path := "/changes?since=" + strconv.FormatUint(seq, 10)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	var resp changesResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Client) Sequence(ctx context.Context) (uint64, error) {
	var resp healthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Seq, nil
}

func (c *Client) RevsDiff(ctx context.Context, id string, revs []revtree.RevID) ([]revtree.RevID, error) {
	var resp revsDiffResponse
	err := c.doJSON(ctx, http.MethodPost, "/revs-diff", revsDiffRequest{ID: id, Revs: revs}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Missing) == 0 {
		return nil, nil
	}
	return resp.Missing, nil
}

func (c *Client) Get(ctx context.Context, id string) (*store.Document, error) {
	var doc store.Document
	if err := c.doJSON(ctx, http.MethodGet, "/docs/"+url.PathEscape(id), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) GetRev(ctx context.Context, id string, rev revtree.RevID) (*store.Document, error) {
	var doc store.Document
	path := "/docs/" + url.PathEscape(id) + "?rev=" + url.QueryEscape(rev.String())
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) RevTree(ctx context.Context, id string) (*revtree.Tree, error) {
	var revs []revtree.Rev
	if err := c.doJSON(ctx, http.MethodGet, "/docs/"+url.PathEscape(id)+"/tree", nil, &revs); err != nil {
		return nil, err
	}
	tree, err := revtree.FromRevs(revs)
	if err != nil {
		return nil, fmt.Errorf("remote sent an invalid tree for %q: %w", id, store.ErrCorruptTree)
	}
	return tree, nil
}

func (c *Client) ApplyRevision(ctx context.Context, rev store.Revision) error {
	return c.doJSON(ctx, http.MethodPost, "/docs/"+url.PathEscape(rev.ID)+"/revs", rev, nil)
}

// Watch subscribes to the remote's WebSocket notification stream. Every
// message coalesces into one signal on the returned channel. If the
// stream drops the subscription ends; the change feed's heartbeat covers
// the gap until a new feed reconnects.
func (c *Client) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/watch"
		header := c.headers.Clone()
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			c.log.Warn("failed to open watch stream", "url", wsURL, "error", err)
			return
		}
		defer conn.Close()

		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()

		for {
			var msg watchMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					c.log.Debug("watch stream closed", "error", err)
				}
				return
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()

	return ch, cancel
}
