// Package agent implements the backup agent: it dials the coordinator hub, serves the agent
// rpc methods and reports item progress and completion as events.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/agent/executor"
	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
	"github.com/target/backup-coordinator/internal/rpc"
)

// TaskExecutor performs the work behind the agent methods.
type TaskExecutor interface {
	ListDatabases(ctx context.Context, conn model.ConnectionInfo) ([]model.DatabaseInfo, error)
	ListFiles(ctx context.Context, storage model.StorageSettings) ([]model.FileInfo, error)
	Execute(ctx context.Context, req rpc.ExecuteRequest, onProgress executor.ProgressFunc) executor.Outcome
}

var _ TaskExecutor = (*executor.Executor)(nil)

// Options configures a Client.
type Options struct {
	Config   config.AgentConfig
	Executor TaskExecutor
	// Tokens supplies the bearer presented on upgrade; nil connects without one.
	Tokens oauth2.TokenSource
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client keeps one connection to the hub alive and serves requests arriving on it.
type Client struct {
	cfg      config.AgentConfig
	exec     TaskExecutor
	tokens   oauth2.TokenSource
	dialer   *websocket.Dialer
	logger   *slog.Logger
	limiter  *rate.Limiter
	buffer   *EventBuffer
	handlers *rpc.HandlerRegistry

	// emitMu orders event sends with buffering and replay.
	emitMu sync.Mutex

	mu      sync.Mutex
	conn    *rpc.WebSocketConn
	running map[string]context.CancelFunc
	taskCtx context.Context

	wg sync.WaitGroup
}

// New validates options and builds a Client.
func New(opts Options) (*Client, error) {
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent", "agent_key", opts.Config.Key)
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	c := &Client{
		cfg:     opts.Config,
		exec:    opts.Executor,
		tokens:  opts.Tokens,
		dialer:  dialer,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(opts.Config.ReconnectInterval), opts.Config.ReconnectBurst),
		buffer:  NewEventBuffer(opts.Config.EventBufferTTL, opts.Config.EventBufferSize, logger),
		running: make(map[string]context.CancelFunc),
		taskCtx: context.Background(),
	}
	c.handlers = c.buildHandlers()
	return c, nil
}

// Methods lists the rpc methods this agent serves.
func (c *Client) Methods() []string {
	return c.handlers.Methods()
}

// Run connects and reconnects until ctx is cancelled, then cancels running items and waits
// for them to report.
func (c *Client) Run(ctx context.Context) error {
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.taskCtx = taskCtx
	c.mu.Unlock()

	c.buffer.Start()
	defer c.buffer.Stop()
	defer func() {
		cancelTasks()
		c.wg.Wait()
	}()

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "agent stopping")
			return nil
		}
		c.logger.WarnContext(ctx, "hub session ended", "error", err, "buffered_events", c.buffer.Len())
	}
}

func (c *Client) header(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	if c.tokens == nil {
		return h, nil
	}
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("obtain agent token: %w", err)
	}
	tok.SetAuthHeader(&http.Request{Header: h})
	c.logger.DebugContext(ctx, "using agent token", "expires_at", tok.Expiry)
	return h, nil
}

// session dials, performs the connect handshake and runs the read loop until the socket ends.
func (c *Client) session(ctx context.Context) error {
	header, err := c.header(ctx)
	if err != nil {
		return err
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.CoordinatorURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial hub (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial hub: %w", err)
	}
	conn := rpc.NewWebSocketConn(ws, c.cfg.WriteTimeout)
	defer conn.Close()

	connectionID, err := c.handshake(ctx, conn)
	if err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "connected to hub", "connection_id", connectionID)

	c.setConn(conn)
	defer c.setConn(nil)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	conn.AnswerPings(c.cfg.PongWait)
	return c.readLoop(ctx, conn)
}

func (c *Client) handshake(ctx context.Context, conn *rpc.WebSocketConn) (string, error) {
	env, err := rpc.NewEvent(rpc.KindConnect, rpc.ConnectRequest{
		Key:              c.cfg.Key,
		ProtocolVersion:  rpc.ProtocolVersion,
		HasPendingEvents: c.buffer.Len() > 0,
	})
	if err != nil {
		return "", err
	}
	if err := conn.Send(ctx, env); err != nil {
		return "", fmt.Errorf("send connect: %w", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		return "", err
	}
	ack, err := conn.Receive()
	if err != nil {
		return "", fmt.Errorf("await connected: %w", err)
	}
	if ack.Kind != rpc.KindConnected {
		return "", apperrors.Wrap(fmt.Errorf("got %q", ack.Kind), apperrors.ErrCodeMalformedFrame, "expected connected frame")
	}
	if ack.Error != nil {
		return "", fmt.Errorf("hub refused connection: %w", ack.Error)
	}
	var resp rpc.ConnectedResponse
	if err := json.Unmarshal(ack.Result, &resp); err != nil {
		return "", fmt.Errorf("decode connected: %w", err)
	}
	return resp.ConnectionID, nil
}

func (c *Client) readLoop(ctx context.Context, conn *rpc.WebSocketConn) error {
	for {
		env, err := conn.Receive()
		if err != nil {
			if apperrors.GetCode(err) == apperrors.ErrCodeMalformedFrame {
				c.logger.WarnContext(ctx, "dropping malformed frame", "error", err)
				continue
			}
			if rpc.IsExpectedClose(err) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if env.Kind != rpc.KindRequest {
			c.logger.DebugContext(ctx, "ignoring frame", "kind", env.Kind)
			continue
		}
		c.wg.Add(1)
		go func(req rpc.Envelope) {
			defer c.wg.Done()
			resp := c.handlers.Dispatch(ctx, req)
			if err := conn.Send(ctx, resp); err != nil {
				c.logger.WarnContext(ctx, "response not delivered",
					"method", req.Method,
					"transaction_id", req.TransactionID,
					"error", err,
				)
			}
		}(env)
	}
}

func (c *Client) setConn(conn *rpc.WebSocketConn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() *rpc.WebSocketConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// emit sends an event on the live connection, or buffers it when there is none or when
// earlier events still wait for replay.
func (c *Client) emit(kind rpc.Kind, body any) {
	env, err := rpc.NewEvent(kind, body)
	if err != nil {
		c.logger.Error("encode event", "kind", kind, "error", err)
		return
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	conn := c.currentConn()
	if conn != nil && c.buffer.Len() == 0 {
		if err := conn.Send(context.Background(), env); err == nil {
			return
		}
	}
	c.buffer.Add(env)
}

// flush replays buffered events in order on the live connection.
func (c *Client) flush(ctx context.Context) (int, error) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	conn := c.currentConn()
	if conn == nil {
		return 0, apperrors.ErrAgentUnreachable
	}
	pending := c.buffer.Drain()
	for i, env := range pending {
		if err := conn.Send(ctx, env); err != nil {
			for _, rest := range pending[i:] {
				c.buffer.Add(rest)
			}
			return i, fmt.Errorf("replay event %d of %d: %w", i+1, len(pending), err)
		}
	}
	return len(pending), nil
}
