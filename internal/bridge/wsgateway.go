package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc/metadata"

	"github.com/agentmesh/agentmesh/internal/wire"
)

// WSGateway offers a websocket-framed variant of the same ClientEvent/
// ServerEvent envelope EventStream carries over gRPC, for browser-based
// external agents that cannot speak HTTP/2 gRPC directly. It drives the
// identical per-connection state machine by adapting a *websocket.Conn to
// the wire.EventBus_EventStreamServer stream interface.
type WSGateway struct {
	server   *Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSGateway wraps server with an HTTP handler that upgrades to
// websocket and runs the same EventStream state machine.
func NewWSGateway(server *Server, logger *slog.Logger) *WSGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSGateway{
		server: server,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a websocket connection and drives
// Server.EventStream over it until the socket closes.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("bridge: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	stream := &wsStream{conn: conn, ctx: r.Context(), heartbeatWindow: g.server.cfg.HeartbeatWindow}
	stream.setReadDeadline(stream.heartbeatWindow)
	if err := g.server.EventStream(stream); err != nil {
		g.logger.Debug("bridge: websocket event stream ended", "error", err)
	}
}

// wsStream adapts a *websocket.Conn to wire.EventBus_EventStreamServer by
// framing each ClientEvent/ServerEvent as a single JSON text message,
// mirroring the JSON codec EventStream uses over gRPC (internal/wire/codec.go).
// It satisfies grpc.ServerStream with no-op metadata plumbing, since the
// websocket transport carries no gRPC headers/trailers.
type wsStream struct {
	conn            *websocket.Conn
	ctx             context.Context
	heartbeatWindow time.Duration
}

func (s *wsStream) Send(m *wire.ServerEvent) error { return s.conn.WriteJSON(m) }

// Recv reads the next ClientEvent and rolls the connection's read deadline
// forward by heartbeatWindow, the same idle budget the gRPC side enforces
// via runHeartbeatMonitor. A client that stops sending entirely, pings
// included, trips the deadline and Recv returns a timeout error, ending the
// EventStream loop instead of leaking the connection forever.
func (s *wsStream) Recv() (*wire.ClientEvent, error) {
	var m wire.ClientEvent
	if err := s.conn.ReadJSON(&m); err != nil {
		return nil, err
	}
	s.setReadDeadline(s.heartbeatWindow)
	return &m, nil
}

func (s *wsStream) Context() context.Context { return s.ctx }

func (s *wsStream) SendMsg(m any) error { return s.conn.WriteJSON(m) }
func (s *wsStream) RecvMsg(m any) error { return s.conn.ReadJSON(m) }

func (s *wsStream) SetHeader(metadata.MD) error  { return nil }
func (s *wsStream) SendHeader(metadata.MD) error { return nil }
func (s *wsStream) SetTrailer(metadata.MD)       {}

// setReadDeadline nudges the underlying connection's read deadline out by
// d, used to let the raw socket's own read time out line up with the
// bridge's configured heartbeat window.
func (s *wsStream) setReadDeadline(d time.Duration) {
	s.conn.SetReadDeadline(time.Now().Add(d))
}
