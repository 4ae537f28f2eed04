// Package mcptransport implements C2: a long-lived connection to the MCP
// tool server over a streamable bidirectional HTTP channel. It caches the
// tool catalogue, correlates requests/responses by id, enforces a global
// concurrency cap, applies the caller's tool-allow filter, and classifies
// every failure into the coreerr taxonomy.
//
// The request/response correlation scheme — a map of pending calls keyed by
// a monotonic id, with a single read loop delivering responses to waiting
// channels — mirrors the teacher's features/mcp/runtime/stdiocaller.go,
// adapted from stdio pipes to a streaming HTTP body.
package mcptransport

import (
	"context"
	"encoding/json"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/mosaicflow/orchestrator/coreerr"
	"github.com/mosaicflow/orchestrator/telemetry"
)

// ToolSpec describes one entry in the cached tool catalogue.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolHealth is the per-tool observability record C2's discovery cache
// tracks alongside the whole-connection Healthy() flag (DESIGN.md
// supplemented feature #3): when a tool was last seen in the catalogue, and
// the last Invoke failure against it, if any.
type ToolHealth struct {
	LastSeen    time.Time
	LastError   string
	LastErrorAt time.Time
}

// Result is a structured tool-invocation result payload.
type Result struct {
	Content json.RawMessage
}

// rpcEnvelope mirrors spec §6's MCP message envelope.
type rpcEnvelope struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type pendingCall struct {
	ch chan rpcEnvelope
}

// Options configures a Transport.
type Options struct {
	Endpoint          string
	MaxInflight       int // default 16 (mcp_max_inflight)
	RetryAttempts     int // default 3
	AuthEnabled       bool
	TokenSource       func(ctx context.Context) (string, error)
	Logger            telemetry.Logger
	Metrics           telemetry.Metrics
	ReconnectBackoff  time.Duration // defaulted but not used: the Transport never reconnects
}

// Transport is the C2 implementation: a single logical connection that
// multiplexes invocations, refreshes the tool catalogue, and enforces the
// concurrency cap and tool-allow filtering described in spec §4.2.
type Transport struct {
	opts Options

	conn Conn // underlying streaming connection, swappable for tests

	catalogueMu sync.RWMutex
	catalogue   map[string]ToolSpec
	healthy     bool
	toolHealth  map[string]ToolHealth

	pendingMu sync.Mutex
	pending   map[uint64]pendingCall
	nextID    uint64

	sem chan struct{} // concurrency cap
}

// Conn abstracts the underlying streamable-HTTP byte channel so the
// correlation/retry/catalogue logic can be tested without a real server.
// A production Conn implementation dials Options.Endpoint with net/http
// using a chunked request body and bufio.Scanner over the response body,
// the same shape as the teacher's stdin/stdout pipes.
type Conn interface {
	Send(ctx context.Context, env rpcEnvelope) error
	// Recv blocks until the next envelope arrives on the connection, or
	// returns an error if the connection is broken (TransportFatal).
	Recv(ctx context.Context) (rpcEnvelope, error)
	Close() error
}

// New constructs a Transport bound to conn. Call Discover before first use.
func New(conn Conn, opts Options) *Transport {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 16
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	t := &Transport{
		opts:       opts,
		conn:       conn,
		catalogue:  make(map[string]ToolSpec),
		toolHealth: make(map[string]ToolHealth),
		pending:    make(map[uint64]pendingCall),
		sem:        make(chan struct{}, opts.MaxInflight),
	}
	go t.readLoop()
	return t
}

func (t *Transport) readLoop() {
	ctx := context.Background()
	for {
		env, err := t.conn.Recv(ctx)
		if err != nil {
			t.markUnhealthy()
			t.failAllPending(coreerr.New(coreerr.TransportFatal, "connection lost: "+err.Error()))
			return
		}
		t.pendingMu.Lock()
		call, ok := t.pending[env.ID]
		if ok {
			delete(t.pending, env.ID)
		}
		t.pendingMu.Unlock()
		if ok {
			call.ch <- env
		}
	}
}

func (t *Transport) markUnhealthy() {
	t.catalogueMu.Lock()
	t.healthy = false
	t.catalogueMu.Unlock()
}

func (t *Transport) failAllPending(err *coreerr.Error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, call := range t.pending {
		call.ch <- rpcEnvelope{ID: id, Error: &rpcError{Code: -1, Message: err.Error()}}
		delete(t.pending, id)
	}
}

// Healthy reports whether the last discovery/invocation succeeded against
// a live connection (health-tracked catalogue, DESIGN.md supplemented
// feature #3).
func (t *Transport) Healthy() bool {
	t.catalogueMu.RLock()
	defer t.catalogueMu.RUnlock()
	return t.healthy
}

// Health returns a snapshot of the per-tool last-seen/last-error tracking
// (DESIGN.md supplemented feature #3), keyed by tool name. Safe for
// concurrent use; the returned map is a copy.
func (t *Transport) Health() map[string]ToolHealth {
	t.catalogueMu.RLock()
	defer t.catalogueMu.RUnlock()
	out := make(map[string]ToolHealth, len(t.toolHealth))
	for name, h := range t.toolHealth {
		out[name] = h
	}
	return out
}

func (t *Transport) recordToolSeen(name string, now time.Time) {
	t.catalogueMu.Lock()
	defer t.catalogueMu.Unlock()
	h := t.toolHealth[name]
	h.LastSeen = now
	t.toolHealth[name] = h
}

func (t *Transport) recordToolError(name string, errMsg string, now time.Time) {
	t.catalogueMu.Lock()
	defer t.catalogueMu.Unlock()
	h := t.toolHealth[name]
	h.LastError = errMsg
	h.LastErrorAt = now
	t.toolHealth[name] = h
}

func (t *Transport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ValidationError, "marshal params", err)
	}

	t.pendingMu.Lock()
	t.nextID++
	id := t.nextID
	ch := make(chan rpcEnvelope, 1)
	t.pending[id] = pendingCall{ch: ch}
	t.pendingMu.Unlock()

	if err := t.conn.Send(ctx, rpcEnvelope{ID: id, Method: method, Params: paramsJSON}); err != nil {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return nil, coreerr.Wrap(coreerr.TransportTransient, "send request", err)
	}

	select {
	case env := <-ch:
		if env.Error != nil {
			return nil, coreerr.New(coreerr.ToolExecutionError, env.Error.Message)
		}
		return env.Result, nil
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
		return nil, coreerr.New(coreerr.TransportTransient, "request cancelled: "+ctx.Err().Error())
	}
}

// Discover lists available tools and replaces the cached catalogue
// atomically. Called once at startup by cmd/serve; the Transport does not
// reconnect, so nothing calls it again after the connection is lost.
func (t *Transport) Discover(ctx context.Context) error {
	result, err := t.call(ctx, "tools/list", struct{}{})
	if err != nil {
		return err
	}
	var parsed struct {
		Tools []ToolSpec `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return coreerr.Wrap(coreerr.TransportFatal, "decode tools/list result", err)
	}

	next := make(map[string]ToolSpec, len(parsed.Tools))
	for _, spec := range parsed.Tools {
		next[spec.Name] = spec
	}
	now := time.Now()

	t.catalogueMu.Lock()
	t.catalogue = next
	t.healthy = true
	for name := range next {
		h := t.toolHealth[name]
		h.LastSeen = now
		t.toolHealth[name] = h
	}
	t.catalogueMu.Unlock()
	return nil
}

// Invoke calls a tool by name with arguments, enforcing allowedNames
// filtering, cached-schema existence, the global concurrency cap, and
// bounded retry of transient failures (spec §4.2). Retries are invisible
// above this layer.
func (t *Transport) Invoke(ctx context.Context, toolName string, arguments json.RawMessage, allowedNames map[string]struct{}) (Result, error) {
	if allowedNames != nil {
		if _, ok := allowedNames[toolName]; !ok {
			return Result{}, coreerr.New(coreerr.ToolDenied, "tool not in allow-list: "+toolName)
		}
	}

	t.catalogueMu.RLock()
	spec, known := t.catalogue[toolName]
	t.catalogueMu.RUnlock()
	if !known {
		return Result{}, coreerr.New(coreerr.ToolNotFound, "tool not in catalogue: "+toolName)
	}
	if err := validateArguments(spec, arguments); err != nil {
		return Result{}, err
	}

	select {
	case t.sem <- struct{}{}:
		defer func() { <-t.sem }()
	case <-ctx.Done():
		return Result{}, coreerr.New(coreerr.TransportTransient, "invoke cancelled waiting for concurrency slot")
	}

	params := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: toolName, Arguments: arguments}

	var lastErr error
	for attempt := 1; attempt <= t.opts.RetryAttempts; attempt++ {
		raw, err := t.call(ctx, "tools/call", params)
		if err == nil {
			t.recordToolSeen(toolName, time.Now())
			return Result{Content: raw}, nil
		}
		lastErr = err
		kind := coreerr.KindOf(err)
		if !kind.Retryable() {
			t.recordToolError(toolName, err.Error(), time.Now())
			return Result{}, err
		}
		t.opts.Metrics.IncCounter("mcp_invoke_retry", 1, "tool", toolName)
		backoff(attempt)
	}
	t.recordToolError(toolName, lastErr.Error(), time.Now())
	return Result{}, lastErr
}

func backoff(attempt int) {
	base := time.Duration(1<<uint(attempt)) * 25 * time.Millisecond
	jitter := time.Duration(mathrand.Int63n(int64(base/2 + 1)))
	time.Sleep(base + jitter)
}

// Close tears down the underlying connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}
