package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/routefabric/meshd/internal/schema"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// MeshPath is the HTTP path peers connect to.
const MeshPath = "/mesh/v1"

// wsConn adapts a WebSocket connection to the Conn interface.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, msg *schema.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("refusing to send invalid message: %w", err)
	}
	return wsjson.Write(ctx, w.c, msg)
}

func (w *wsConn) Receive(ctx context.Context) (*schema.Message, error) {
	var m schema.Message
	if err := wsjson.Read(ctx, w.c, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}

// WebSocketDialer opens outbound mesh sessions.
type WebSocketDialer struct{}

func (WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	return &wsConn{c: c}, nil
}

// Handler returns the HTTP handler that accepts inbound mesh sessions
// and passes each established connection to onConn. onConn owns the
// connection's lifetime.
func Handler(logger *zap.Logger, onConn func(Conn)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("websocket accept failed",
				zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		onConn(&wsConn{c: c})
	})
}

// Server hosts the mesh listener.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds the mesh-side HTTP server. Inbound sessions land on
// MeshPath.
func NewServer(addr string, logger *zap.Logger, onConn func(Conn)) *Server {
	mux := http.NewServeMux()
	mux.Handle(MeshPath, Handler(logger, onConn))
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("mesh listener up", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("mesh listener error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
