package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
	"github.com/target/backup-coordinator/internal/observability/metrics"
	"github.com/target/backup-coordinator/internal/observability/statsd"
)

// DefaultInvokeTimeout applies when Invoke is called without a timeout.
const DefaultInvokeTimeout = 30 * time.Second

// Conn is the controller's handle on one agent transport connection.
// Send must be safe for concurrent use.
type Conn interface {
	Send(ctx context.Context, env Envelope) error
	Close() error
}

// AgentLookup resolves registered agents by key.
type AgentLookup interface {
	GetByKey(ctx context.Context, key string) (*model.Agent, error)
}

// EventSink receives connection lifecycle notifications and agent events.
// Callbacks run on the connection's read loop, in arrival order; they must not
// block on an Invoke to the same agent.
type EventSink interface {
	OnClientConnect(ctx context.Context, session model.AgentSession, hasPendingEvents bool)
	OnClientDisconnect(ctx context.Context, session model.AgentSession)
	OnProgress(ctx context.Context, session model.AgentSession, ev ProgressEvent)
	OnComplete(ctx context.Context, session model.AgentSession, ev CompleteEvent)
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Agents         AgentLookup
	Logger         *slog.Logger
	Metrics        statsd.Sink
	DefaultTimeout time.Duration
	Now            func() time.Time
}

type session struct {
	model.AgentSession
	conn Conn
}

type waitResult struct {
	env Envelope
	err error
}

type waiter struct {
	connectionID string
	ch           chan waitResult
}

// Registry owns the agent key → live session map and the pending transaction table.
// Both are mutated only inside short critical sections; no lock is held across a send or a wait.
type Registry struct {
	agents         AgentLookup
	logger         *slog.Logger
	metrics        statsd.Sink
	defaultTimeout time.Duration
	now            func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	byConn   map[string]string
	pending  map[string]*waiter
	sinks    []EventSink
}

// NewRegistry constructs a Registry.
func NewRegistry(opts RegistryOptions) *Registry {
	r := &Registry{
		agents:         opts.Agents,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		defaultTimeout: opts.DefaultTimeout,
		now:            opts.Now,
		sessions:       make(map[string]*session),
		byConn:         make(map[string]string),
		pending:        make(map[string]*waiter),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = statsd.Noop{}
	}
	if r.defaultTimeout <= 0 {
		r.defaultTimeout = DefaultInvokeTimeout
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Subscribe registers an EventSink. Call during wiring, before agents connect.
func (r *Registry) Subscribe(sink EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

func (r *Registry) subscribers() []EventSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventSink(nil), r.sinks...)
}

// AckFunc delivers the connected acknowledgement for a new session.
type AckFunc func(session model.AgentSession) error

// Connect registers conn as the current session for req.Key. A prior session for the same
// key is evicted and closed, and its outstanding calls fail with AgentUnreachable.
// ack, when non-nil, runs before the session becomes invokable or visible to sinks;
// an ack error abandons the connect.
func (r *Registry) Connect(ctx context.Context, conn Conn, req ConnectRequest, ack AckFunc) (model.AgentSession, error) {
	if req.ProtocolVersion < 1 {
		return model.AgentSession{}, apperrors.Validationf("unsupported protocol version %d", req.ProtocolVersion)
	}
	agent, err := r.agents.GetByKey(ctx, req.Key)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return model.AgentSession{}, &apperrors.AppError{
				Code:    apperrors.ErrCodeUnknownAgent,
				Message: fmt.Sprintf("unknown agent %q", req.Key),
			}
		}
		return model.AgentSession{}, fmt.Errorf("resolve agent %q: %w", req.Key, err)
	}
	if req.ProtocolVersion != ProtocolVersion {
		r.logger.WarnContext(ctx, "agent protocol version differs",
			"agent_key", req.Key, "agent_version", req.ProtocolVersion, "controller_version", ProtocolVersion)
	}

	s := &session{
		AgentSession: model.AgentSession{
			AgentID:         agent.ID,
			Key:             agent.Key,
			ConnectionID:    uuid.NewString(),
			ProtocolVersion: req.ProtocolVersion,
			ConnectedAt:     r.now(),
		},
		conn: conn,
	}
	if ack != nil {
		if err := ack(s.AgentSession); err != nil {
			return model.AgentSession{}, fmt.Errorf("acknowledge agent %q: %w", req.Key, err)
		}
	}

	r.mu.Lock()
	prior := r.sessions[s.Key]
	r.sessions[s.Key] = s
	r.byConn[s.ConnectionID] = s.Key
	var orphaned []*waiter
	if prior != nil {
		delete(r.byConn, prior.ConnectionID)
		orphaned = r.takeWaitersLocked(prior.ConnectionID)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if prior != nil {
		r.logger.WarnContext(ctx, "evicting prior agent session",
			"agent_key", s.Key, "old_connection_id", prior.ConnectionID, "connection_id", s.ConnectionID)
		if cerr := prior.conn.Close(); cerr != nil {
			r.logger.DebugContext(ctx, "close evicted connection", "error", cerr)
		}
		failWaiters(orphaned, apperrors.AgentUnreachablef("agent %q session replaced", s.Key))
	}

	r.logger.InfoContext(ctx, "agent connected",
		"agent_key", s.Key, "connection_id", s.ConnectionID,
		"protocol_version", s.ProtocolVersion, "has_pending_events", req.HasPendingEvents)
	metrics.EmitAgentSessions(r.metrics, count)

	for _, sink := range r.subscribers() {
		sink.OnClientConnect(ctx, s.AgentSession, req.HasPendingEvents)
	}
	return s.AgentSession, nil
}

// Disconnect removes the session for connectionID if it is still current and raises
// ClientDisconnect. Stale connection ids are ignored.
func (r *Registry) Disconnect(ctx context.Context, connectionID string) {
	r.mu.Lock()
	key, ok := r.byConn[connectionID]
	var s *session
	var orphaned []*waiter
	if ok {
		s = r.sessions[key]
		delete(r.sessions, key)
		delete(r.byConn, connectionID)
		orphaned = r.takeWaitersLocked(connectionID)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if s == nil {
		return
	}
	failWaiters(orphaned, apperrors.AgentUnreachablef("agent %q disconnected", key))
	r.logger.InfoContext(ctx, "agent disconnected", "agent_key", key, "connection_id", connectionID)
	metrics.EmitAgentSessions(r.metrics, count)

	for _, sink := range r.subscribers() {
		sink.OnClientDisconnect(ctx, s.AgentSession)
	}
}

// Invoke sends a request to the agent's current connection and waits for the matching
// response, the timeout, or ctx cancellation. It fails immediately with AgentUnreachable
// when the agent has no live session.
func (r *Registry) Invoke(
	ctx context.Context,
	agentKey, method string,
	payload any,
	timeout time.Duration,
) (json.RawMessage, error) {
	start := r.now()
	result, err := r.invoke(ctx, agentKey, method, payload, timeout)
	metrics.EmitInvoke(r.metrics, metrics.InvokeMetric{Method: method, Duration: r.now().Sub(start), Err: err})
	return result, err
}

func (r *Registry) invoke(
	ctx context.Context,
	agentKey, method string,
	payload any,
	timeout time.Duration,
) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", method, err)
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	txID := uuid.NewString()
	w := &waiter{ch: make(chan waitResult, 1)}

	r.mu.Lock()
	s := r.sessions[agentKey]
	if s != nil {
		w.connectionID = s.ConnectionID
		r.pending[txID] = w
	}
	r.mu.Unlock()

	if s == nil {
		return nil, apperrors.AgentUnreachablef("agent %q has no live connection", agentKey)
	}
	if err := ctx.Err(); err != nil {
		r.dropWaiter(txID)
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeCanceled, "%s on agent %q cancelled", method, agentKey)
	}

	req := Envelope{Kind: KindRequest, TransactionID: txID, Method: method, Payload: body}
	if err := s.conn.Send(ctx, req); err != nil {
		r.dropWaiter(txID)
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeAgentUnreachable, "send %s to agent %q", method, agentKey)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.env.Error != nil {
			return nil, &RemoteError{Method: method, Chain: res.env.Error}
		}
		return res.env.Result, nil
	case <-timer.C:
		r.dropWaiter(txID)
		return nil, &apperrors.AppError{
			Code:    apperrors.ErrCodeTimeout,
			Message: fmt.Sprintf("%s on agent %q timed out after %s", method, agentKey, timeout),
		}
	case <-ctx.Done():
		r.dropWaiter(txID)
		return nil, apperrors.Wrapf(ctx.Err(), apperrors.ErrCodeCanceled, "%s on agent %q cancelled", method, agentKey)
	}
}

// Deliver routes an inbound frame read from session's connection. Responses wake their
// waiter; a response with no waiter (late or unknown) is discarded. Events go to subscribers.
func (r *Registry) Deliver(ctx context.Context, sess model.AgentSession, env Envelope) error {
	switch env.Kind {
	case KindResponse:
		r.mu.Lock()
		w := r.pending[env.TransactionID]
		if w != nil && w.connectionID == sess.ConnectionID {
			delete(r.pending, env.TransactionID)
		} else {
			w = nil
		}
		r.mu.Unlock()
		if w == nil {
			r.logger.DebugContext(ctx, "discarding response without waiter",
				"agent_key", sess.Key, "transaction_id", env.TransactionID)
			return nil
		}
		w.ch <- waitResult{env: env}
		return nil

	case KindProgress:
		var ev ProgressEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeMalformedFrame, "decode progress event")
		}
		for _, sink := range r.subscribers() {
			sink.OnProgress(ctx, sess, ev)
		}
		return nil

	case KindComplete:
		var ev CompleteEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeMalformedFrame, "decode complete event")
		}
		for _, sink := range r.subscribers() {
			sink.OnComplete(ctx, sess, ev)
		}
		return nil

	default:
		return &apperrors.AppError{
			Code:    apperrors.ErrCodeMalformedFrame,
			Message: fmt.Sprintf("unexpected %s frame from agent", env.Kind),
		}
	}
}

// Resolve returns the current connection id for an agent key.
func (r *Registry) Resolve(agentKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[agentKey]
	if !ok {
		return "", false
	}
	return s.ConnectionID, true
}

// Sessions returns the live sessions ordered by agent key.
func (r *Registry) Sessions() []model.AgentSession {
	r.mu.Lock()
	out := make([]model.AgentSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.AgentSession)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close drops every session and fails all outstanding calls.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	pending := r.pending
	r.sessions = make(map[string]*session)
	r.byConn = make(map[string]string)
	r.pending = make(map[string]*waiter)
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.conn.Close()
	}
	for _, w := range pending {
		w.ch <- waitResult{err: apperrors.AgentUnreachablef("controller shutting down")}
	}
}

func (r *Registry) dropWaiter(txID string) {
	r.mu.Lock()
	delete(r.pending, txID)
	r.mu.Unlock()
}

func (r *Registry) takeWaitersLocked(connectionID string) []*waiter {
	var out []*waiter
	for id, w := range r.pending {
		if w.connectionID == connectionID {
			out = append(out, w)
			delete(r.pending, id)
		}
	}
	return out
}

func failWaiters(ws []*waiter, err error) {
	for _, w := range ws {
		w.ch <- waitResult{err: err}
	}
}
