package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/prefect421/conveyor/engine"
	"github.com/prefect421/conveyor/id"
	"github.com/prefect421/conveyor/stream"
)

// Server accepts WebSocket connections, authenticates them, and
// bridges request frames to the engine and broker events back to
// subscribers. It implements http.Handler; mount it on any mux.
//
// Each connection gets its own reader (the ServeHTTP goroutine) and
// one writer goroutine; nothing on the event path takes a shared lock.
type Server struct {
	eng          *engine.Engine
	broker       *stream.Broker
	handler      *Handler
	auth         Authenticator
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
	upgrader     ws.HTTPUpgrader

	authTimeout     time.Duration
	terminalRetries int
	retryBase       time.Duration
}

// Option configures a gateway Server.
type Option func(*Server)

// WithAuth sets the authenticator. If not set, NoopAuthenticator is
// used (development mode).
func WithAuth(auth Authenticator) Option {
	return func(s *Server) { s.auth = auth }
}

// WithCodec sets the default codec. Clients can override via the auth
// frame's format field.
func WithCodec(codec Codec) Option {
	return func(s *Server) { s.defaultCodec = codec }
}

// WithLogger sets the logger for the gateway server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAuthTimeout bounds how long a fresh connection may take to send
// its auth frame. Default 10s.
func WithAuthTimeout(d time.Duration) Option {
	return func(s *Server) { s.authTimeout = d }
}

// WithTerminalRetry configures how failed terminal event writes are
// retried: up to retries attempts, delays starting at base and
// doubling. Defaults: 3 retries, 100ms base.
func WithTerminalRetry(retries int, base time.Duration) Option {
	return func(s *Server) {
		s.terminalRetries = retries
		s.retryBase = base
	}
}

// NewServer creates a gateway server backed by the engine.
func NewServer(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		eng:             eng,
		broker:          eng.Broker(),
		defaultCodec:    &JSONCodec{},
		conns:           NewConnectionManager(),
		logger:          slog.Default(),
		authTimeout:     10 * time.Second,
		terminalRetries: 3,
		retryBase:       100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = &NoopAuthenticator{}
	}
	s.handler = NewHandler(eng, s.conns, s.logger)
	return s
}

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// ServeHTTP upgrades the request to a WebSocket and serves frames
// until the peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := s.upgrader.Upgrade(r, w)
	if err != nil {
		s.logger.Warn("gateway: upgrade failed", slog.String("error", err.Error()))
		return
	}

	// The request context dies with the hijacked request; the session
	// gets its own.
	if serveErr := s.serve(context.Background(), conn); serveErr != nil {
		s.logger.Debug("gateway: connection closed",
			slog.String("error", serveErr.Error()),
		)
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close() //nolint:errcheck // nothing useful to do with a close error here

	gwConn, err := s.handshake(ctx, conn)
	if err != nil {
		return err
	}

	connID := gwConn.ID
	s.conns.Add(gwConn)
	defer func() {
		s.broker.RemoveSubscriber(connID)
		s.conns.Remove(connID)
		gwConn.CloseWriter()
		s.logger.Info("gateway: disconnected", slog.String("conn_id", connID))
	}()

	// One subscriber per connection; its events funnel into the
	// connection's writer queue.
	sub := s.broker.Subscribe(connID)
	go s.forwardEvents(gwConn, sub)

	codec := gwConn.Codec
	for {
		data, _, readErr := wsutil.ReadClientData(conn)
		if readErr != nil {
			return nil // peer closed
		}

		gwConn.Touch()

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			gwConn.Send(NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error()))
			continue
		}

		if frame.Type == FramePing {
			gwConn.Send(&Frame{
				ID:        GenerateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: frame.Timestamp,
			})
			continue
		}

		if frame.Method != "" {
			reqScope := RequiredScope(frame.Method)
			if reqScope != "" && !gwConn.Identity.HasScope(reqScope) {
				gwConn.Send(NewErrorFrame(frame.ID, ErrCodeForbidden, "insufficient permissions"))
				continue
			}
		}

		if frame.Credits > 0 {
			sub.AddCredits(int64(frame.Credits))
			continue
		}

		respFrame := s.handler.Handle(ctx, frame, gwConn)
		if respFrame == nil {
			continue
		}
		gwConn.Send(respFrame)

		if respFrame.Type == FrameResponse {
			switch frame.Method {
			case MethodSubscribe:
				s.applySubscribe(ctx, gwConn, sub, frame)
			case MethodUnsubscribe:
				s.applyUnsubscribe(gwConn, frame)
			}
		}
	}
}

// handshake reads the auth frame (always JSON, before codec
// negotiation), authenticates, and answers with the session details.
func (s *Server) handshake(ctx context.Context, conn net.Conn) (*Connection, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.authTimeout)); err != nil {
		return nil, fmt.Errorf("gateway: set auth deadline: %w", err)
	}
	data, _, readErr := wsutil.ReadClientData(conn)
	if readErr != nil {
		return nil, fmt.Errorf("gateway: read auth frame: %w", readErr)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("gateway: clear auth deadline: %w", err)
	}

	var authFrame Frame
	if err := json.Unmarshal(data, &authFrame); err != nil {
		s.rejectJSON(conn, NewErrorFrame("", ErrCodeBadRequest, "invalid auth frame"))
		return nil, fmt.Errorf("gateway: unmarshal auth frame: %w", err)
	}

	if authFrame.Method != MethodAuth {
		s.rejectJSON(conn, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "first frame must be auth"))
		return nil, fmt.Errorf("gateway: expected auth frame, got %q", authFrame.Method)
	}

	var authReq AuthRequest
	if len(authFrame.Data) > 0 {
		if err := json.Unmarshal(authFrame.Data, &authReq); err != nil {
			s.rejectJSON(conn, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "invalid auth data"))
			return nil, fmt.Errorf("gateway: unmarshal auth data: %w", err)
		}
	}

	token := authReq.Token
	if token == "" {
		token = authFrame.Token
	}
	identity, authErr := s.auth.Authenticate(ctx, token)
	if authErr != nil {
		s.rejectJSON(conn, NewErrorFrame(authFrame.ID, ErrCodeUnauthorized, "authentication failed"))
		return nil, fmt.Errorf("gateway: auth failed: %w", authErr)
	}

	codec := s.defaultCodec
	if authReq.Format != "" {
		codec = GetCodec(authReq.Format)
	}

	connID := id.NewSubscriptionID().String()
	gwConn := NewConnection(connID, identity, codec)
	gwConn.StartWriter(conn, s.terminalRetries, s.retryBase, s.logger)

	resp, respErr := NewResponseFrame(authFrame.ID, AuthResponse{
		Format:    codec.Name(),
		SessionID: connID,
	})
	if respErr != nil {
		return nil, fmt.Errorf("gateway: marshal auth response: %w", respErr)
	}
	gwConn.SendTerminal(resp)

	s.logger.Info("gateway: authenticated",
		slog.String("conn_id", connID),
		slog.String("subject", identity.Subject),
		slog.String("codec", codec.Name()),
	)
	return gwConn, nil
}

// rejectJSON writes a best-effort error frame before disconnecting.
// Pre-negotiation errors are always JSON.
func (s *Server) rejectJSON(conn net.Conn, frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	//nolint:errcheck // best-effort error response before disconnect
	wsutil.WriteServerText(conn, data)
}

// applySubscribe registers the topic with the broker, then sends a
// snapshot of the current job state so the subscriber has a base even
// when the job already finished.
func (s *Server) applySubscribe(ctx context.Context, gwConn *Connection, sub *stream.Subscriber, frame *Frame) {
	var req SubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return
	}

	s.broker.SubscribeTo(gwConn.ID, req.Channel)
	gwConn.AddSubscription(req.Channel)
	if req.Credits > 0 {
		sub.AddCredits(int64(req.Credits))
	}

	s.sendSnapshot(ctx, gwConn, req.Channel)
}

// sendSnapshot delivers the persisted state of a job topic's subject.
// Terminal jobs get a snapshot too; that is how a reconnecting client
// learns about a completion it missed.
func (s *Server) sendSnapshot(ctx context.Context, gwConn *Connection, channel string) {
	jobIDStr, ok := strings.CutPrefix(channel, "job:")
	if !ok {
		return
	}
	jobID, err := id.ParseJobID(jobIDStr)
	if err != nil {
		return
	}

	j, getErr := s.eng.Store().GetJob(ctx, jobID)
	if getErr != nil {
		s.logger.Debug("gateway: snapshot unavailable",
			slog.String("conn_id", gwConn.ID),
			slog.String("job_id", jobIDStr),
			slog.String("error", getErr.Error()),
		)
		return
	}

	evt := stream.SnapshotEvent(j)
	evtFrame, frameErr := NewEventFrame(channel, evt)
	if frameErr != nil {
		return
	}
	gwConn.SendTerminal(evtFrame)
}

func (s *Server) applyUnsubscribe(gwConn *Connection, frame *Frame) {
	var req UnsubscribeRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return
	}
	s.broker.Unsubscribe(gwConn.ID, req.Channel)
	gwConn.RemoveSubscription(req.Channel)
}

// forwardEvents moves broker events into the connection's writer
// queue. Terminal events go through the retrying path; intermediate
// deltas are dropped when the queue is full.
func (s *Server) forwardEvents(gwConn *Connection, sub *stream.Subscriber) {
	for evt := range sub.C() {
		evtFrame, err := NewEventFrame(evt.Topic, evt)
		if err != nil {
			continue
		}
		if evt.Type.Terminal() {
			gwConn.SendTerminal(evtFrame)
		} else {
			gwConn.Send(evtFrame)
		}
	}
}
