// Package router is the single entry point for inbound JSON-RPC envelopes.
//
// Every envelope goes through the same steps, in order: parse, envelope
// shape, authentication gate, rate limit, method lookup, params schema, and
// dispatch. Handler failures never escape Dispatch; they become error
// responses, and notifications (null or absent id) get no response at all.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/jsonrpc"
	"github.com/babylonmarket/a2a/internal/logging"
	"github.com/babylonmarket/a2a/internal/metrics"
	"github.com/babylonmarket/a2a/internal/traces"
	"github.com/babylonmarket/a2a/internal/validation"
)

var (
	ErrDuplicateMethod = errors.New("method already registered")
	ErrEmptyMethod     = errors.New("method name is empty")
)

// Func is the handler signature after params have been decoded.
type Func func(ctx context.Context, conn *connection.Conn, params any) (any, error)

// Method pairs an optional params schema with a handler.
type Method struct {
	// Decode turns raw params into the handler's input. A nil Decode means
	// the method has no schema and receives the raw params unchanged.
	Decode func(raw json.RawMessage) (any, error)
	Call   Func
	// Public methods skip the authentication gate.
	Public bool
}

// Handle builds a schema-checked Method from a typed handler. Params are
// decoded into P (unknown fields ignored) and validated with the struct's
// `validate` tags before fn runs.
func Handle[P any](fn func(ctx context.Context, conn *connection.Conn, p P) (any, error)) Method {
	return Method{
		Decode: func(raw json.RawMessage) (any, error) {
			var p P
			if !jsonrpc.IsNullID(raw) {
				if err := json.Unmarshal(raw, &p); err != nil {
					return nil, fmt.Errorf("params: %v", err)
				}
			}
			if err := validation.Struct(p); err != nil {
				return nil, err
			}
			return p, nil
		},
		Call: func(ctx context.Context, conn *connection.Conn, params any) (any, error) {
			return fn(ctx, conn, params.(P))
		},
	}
}

// Raw builds a Method with no schema. Use it only for methods that do their
// own validation.
func Raw(fn func(ctx context.Context, conn *connection.Conn, raw json.RawMessage) (any, error)) Method {
	return Method{
		Call: func(ctx context.Context, conn *connection.Conn, params any) (any, error) {
			raw, _ := params.(json.RawMessage)
			return fn(ctx, conn, raw)
		},
	}
}

// AsPublic marks m as callable before the handshake.
func (m Method) AsPublic() Method {
	m.Public = true
	return m
}

// ErrorMapper translates a handler error into a wire error. Returning nil
// falls back to InternalError.
type ErrorMapper func(err error) *jsonrpc.Error

// Router owns the method registry.
type Router struct {
	conns   *connection.Manager
	logger  *slog.Logger
	mapErr  ErrorMapper
	mu      sync.RWMutex
	methods map[string]Method
}

// New creates an empty router. conns may be nil for routers that only serve
// ephemeral sessions.
func New(conns *connection.Manager, logger *slog.Logger) *Router {
	return &Router{
		conns:   conns,
		logger:  logger,
		methods: make(map[string]Method),
	}
}

// SetErrorMapper installs the domain error translation.
func (r *Router) SetErrorMapper(fn ErrorMapper) {
	r.mapErr = fn
}

// Register adds a method. Names must be unique and non-empty.
func (r *Router) Register(name string, m Method) error {
	if name == "" {
		return ErrEmptyMethod
	}
	if m.Call == nil {
		return fmt.Errorf("method %q: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, name)
	}
	r.methods[name] = m
	return nil
}

// MustRegister is Register that panics, for wiring at startup.
func (r *Router) MustRegister(name string, m Method) {
	if err := r.Register(name, m); err != nil {
		panic(err)
	}
}

// Methods lists registered method names.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) lookup(name string) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// envelope mirrors jsonrpc.Request with every member left raw, so shape
// errors can still echo a usable id.
type envelope struct {
	JSONRPC json.RawMessage `json:"jsonrpc"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// Dispatch processes one inbound frame for conn and returns the response to
// send, or nil when none is owed.
func (r *Router) Dispatch(ctx context.Context, conn *connection.Conn, raw []byte) *jsonrpc.Response {
	if !json.Valid(raw) {
		return jsonrpc.NewError(jsonrpc.NullID, jsonrpc.ParseError())
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return jsonrpc.NewError(jsonrpc.NullID, jsonrpc.InvalidRequest("request must be a JSON object"))
	}
	if r.conns != nil {
		r.conns.Touch(conn.ID)
	}

	id := env.ID
	if !jsonrpc.ValidID(id) {
		return jsonrpc.NewError(jsonrpc.NullID, jsonrpc.InvalidRequest("id must be a string, number, or null"))
	}
	req, rpcErr := parseEnvelope(env)
	if rpcErr != nil {
		return jsonrpc.NewError(id, rpcErr)
	}

	result, rpcErr := r.process(ctx, conn, req)
	if req.IsNotification() {
		if rpcErr != nil {
			r.logger.Debug("notification failed",
				"method", req.Method, "connection_id", conn.ID, "code", rpcErr.Code)
		}
		return nil
	}
	if rpcErr != nil {
		return jsonrpc.NewError(id, rpcErr)
	}
	return jsonrpc.NewResult(id, result)
}

func parseEnvelope(env envelope) (*jsonrpc.Request, *jsonrpc.Error) {
	var version, method string
	if err := json.Unmarshal(env.JSONRPC, &version); err != nil || version != jsonrpc.Version {
		return nil, jsonrpc.InvalidRequest(`jsonrpc must be "2.0"`)
	}
	if err := json.Unmarshal(env.Method, &method); err != nil || method == "" {
		return nil, jsonrpc.InvalidRequest("method must be a non-empty string")
	}
	return &jsonrpc.Request{JSONRPC: version, Method: method, Params: env.Params, ID: env.ID}, nil
}

func (r *Router) process(ctx context.Context, conn *connection.Conn, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	m, known := r.lookup(req.Method)
	label := req.Method
	if !known {
		label = "unknown"
	}

	if !(known && m.Public) && !conn.Authenticated() {
		metrics.RequestsTotal.WithLabelValues(label, "unauthenticated").Inc()
		return nil, jsonrpc.NotAuthenticated()
	}
	if !conn.Allow() {
		metrics.RateLimitedTotal.Inc()
		metrics.RequestsTotal.WithLabelValues(label, "rate_limited").Inc()
		return nil, jsonrpc.RateLimited()
	}
	if !known {
		metrics.RequestsTotal.WithLabelValues(label, "not_found").Inc()
		return nil, jsonrpc.MethodNotFound(req.Method)
	}

	var params any = req.Params
	if m.Decode != nil {
		decoded, err := m.Decode(req.Params)
		if err != nil {
			metrics.RequestsTotal.WithLabelValues(label, "invalid_params").Inc()
			return nil, jsonrpc.InvalidParams(err.Error())
		}
		params = decoded
	}

	ctx, span := traces.StartSpan(ctx, "a2a."+req.Method,
		traces.Method(req.Method),
		traces.ConnectionID(conn.ID),
		traces.AgentID(conn.AgentID()),
	)
	defer span.End()

	start := time.Now()
	result, err := r.call(ctx, m, conn, params)
	metrics.RequestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())

	if err != nil {
		traces.Fail(span, err)
		rpcErr := r.translate(err)
		outcome := "error"
		if rpcErr.Code == jsonrpc.CodeInternalError {
			outcome = "internal_error"
			r.log(ctx).Error("handler failed",
				"method", req.Method,
				"connection_id", conn.ID,
				"agent_id", conn.AgentID(),
				"error", err,
			)
		}
		metrics.RequestsTotal.WithLabelValues(label, outcome).Inc()
		return nil, rpcErr
	}
	metrics.RequestsTotal.WithLabelValues(label, "ok").Inc()
	return result, nil
}

// call runs the handler and converts a panic into an error.
func (r *Router) call(ctx context.Context, m Method, conn *connection.Conn, params any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log(ctx).Error("handler panic", "panic", p, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return m.Call(ctx, conn, params)
}

// log tags the router logger with the request id of HTTP calls.
func (r *Router) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return r.logger.With("request_id", id)
	}
	return r.logger
}

func (r *Router) translate(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if r.mapErr != nil {
		if mapped := r.mapErr(err); mapped != nil {
			return mapped
		}
	}
	return jsonrpc.InternalError(err.Error())
}
