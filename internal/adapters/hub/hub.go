// Package hub accepts agent websocket connections and binds them to the rpc registry.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/target/backup-coordinator/internal/adapters/oidc"
	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
	"github.com/target/backup-coordinator/internal/rpc"
)

// TokenVerifier validates agent bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (oidc.Identity, error)
}

// Options configures a Hub.
type Options struct {
	Registry         *rpc.Registry
	Logger           *slog.Logger
	Verifier         TokenVerifier // optional; nil accepts unauthenticated agents
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	MaxMessageBytes  int64
}

// Hub is the http.Handler serving the agent endpoint.
type Hub struct {
	registry         *rpc.Registry
	logger           *slog.Logger
	verifier         TokenVerifier
	upgrader         websocket.Upgrader
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	pingInterval     time.Duration
	pongWait         time.Duration
	maxMessageBytes  int64

	wg sync.WaitGroup
}

// New constructs a Hub with defaults for unset timeouts.
func New(opts Options) *Hub {
	h := &Hub{
		registry:         opts.Registry,
		logger:           opts.Logger,
		verifier:         opts.Verifier,
		handshakeTimeout: opts.HandshakeTimeout,
		writeTimeout:     opts.WriteTimeout,
		pingInterval:     opts.PingInterval,
		pongWait:         opts.PongWait,
		maxMessageBytes:  opts.MaxMessageBytes,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.handshakeTimeout <= 0 {
		h.handshakeTimeout = 10 * time.Second
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = rpc.DefaultWriteTimeout
	}
	if h.pingInterval <= 0 {
		h.pingInterval = 30 * time.Second
	}
	if h.pongWait <= h.pingInterval {
		h.pongWait = h.pingInterval * 2
	}
	if h.maxMessageBytes <= 0 {
		h.maxMessageBytes = 4 << 20
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: h.handshakeTimeout,
		// Agents are not browsers; authentication is by bearer token.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return h
}

// ServeHTTP upgrades the request, performs the connect handshake and runs the read loop
// until the socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.verifier != nil {
		token, ok := oidc.BearerToken(r)
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := h.verifier.Verify(ctx, token); err != nil {
			h.logger.WarnContext(ctx, "agent token rejected", "remote_addr", r.RemoteAddr, "error", err)
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(ctx, "agent upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(h.maxMessageBytes)

	h.wg.Add(1)
	defer h.wg.Done()

	conn := rpc.NewWebSocketConn(ws, h.writeTimeout)
	defer conn.Close()

	sess, err := h.handshake(ctx, conn)
	if err != nil {
		h.logger.WarnContext(ctx, "agent handshake failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer h.registry.Disconnect(context.WithoutCancel(ctx), sess.ConnectionID)

	h.serve(ctx, conn, sess)
}

func (h *Hub) handshake(ctx context.Context, conn *rpc.WebSocketConn) (model.AgentSession, error) {
	if err := conn.SetReadDeadline(time.Now().Add(h.handshakeTimeout)); err != nil {
		return model.AgentSession{}, err
	}
	env, err := conn.Receive()
	if err != nil {
		return model.AgentSession{}, err
	}
	if env.Kind != rpc.KindConnect {
		return model.AgentSession{}, errors.New("first frame must be connect")
	}
	var req rpc.ConnectRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return model.AgentSession{}, err
	}

	acked := false
	sess, err := h.registry.Connect(ctx, conn, req, func(s model.AgentSession) error {
		acked = true
		res, err := json.Marshal(rpc.ConnectedResponse{ConnectionID: s.ConnectionID})
		if err != nil {
			return err
		}
		return conn.Send(ctx, rpc.Envelope{Kind: rpc.KindConnected, Result: res})
	})
	if err != nil {
		if !acked {
			_ = conn.Send(ctx, rpc.Envelope{Kind: rpc.KindConnected, Error: rpc.NewErrorChain(err)})
		}
		return model.AgentSession{}, err
	}
	return sess, nil
}

func (h *Hub) serve(ctx context.Context, conn *rpc.WebSocketConn, sess model.AgentSession) {
	conn.KeepAlive(h.pongWait)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.Ping(); err != nil {
					h.logger.DebugContext(ctx, "agent ping failed", "agent_key", sess.Key, "error", err)
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		env, err := conn.Receive()
		if err != nil {
			switch {
			case apperrors.GetCode(err) == apperrors.ErrCodeMalformedFrame:
				h.logger.WarnContext(ctx, "dropping malformed frame", "agent_key", sess.Key, "error", err)
				continue
			case rpc.IsExpectedClose(err) || errors.Is(err, net.ErrClosed):
				h.logger.DebugContext(ctx, "agent connection closed", "agent_key", sess.Key)
			default:
				h.logger.InfoContext(ctx, "agent read ended", "agent_key", sess.Key, "error", err)
			}
			return
		}
		if err := h.registry.Deliver(ctx, sess, env); err != nil {
			h.logger.WarnContext(ctx, "agent frame rejected",
				"agent_key", sess.Key, "kind", env.Kind, "error", err)
		}
	}
}

// Wait blocks until every connection handler has returned.
func (h *Hub) Wait() {
	h.wg.Wait()
}
