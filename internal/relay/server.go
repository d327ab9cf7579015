// Package relay implements the rendezvous server that forwards signaling frames
// between the endpoints connected to it. It never parses what it forwards.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/lancall/internal/util"
)

// Tuning constants.
const (
	maxFrameBytes = 1 << 20          // larger frames terminate the sender's connection
	writeWait     = 10 * time.Second // a receiver stuck longer than this is disconnected
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// endpoint is one connected Transport Client. Its id lives only as long as
// the connection.
type endpoint struct {
	id   uuid.UUID
	conn *websocket.Conn

	// gorilla allows one concurrent writer per connection; several senders
	// may forward to the same endpoint at once.
	writeMu sync.Mutex
}

func (e *endpoint) write(msgType int, data []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return e.conn.WriteMessage(msgType, data)
}

// Server is the relay. The zero value is not usable; call NewServer.
type Server struct {
	mu    sync.Mutex
	peers map[uuid.UUID]*endpoint

	metrics  *Metrics
	router   chi.Router
	listener net.Listener
	httpSrv  *http.Server
}

// NewServer creates a relay with its HTTP routes registered but not yet
// listening. Use Start to listen, or Handler to mount it elsewhere.
func NewServer() *Server {
	s := &Server{
		peers:   make(map[uuid.UUID]*endpoint),
		metrics: newMetrics(),
	}

	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	s.router = r

	return s
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Metrics returns the relay's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins listening on addr (e.g. ":8765", or ":0" for a random port)
// and serves in the background. Returns the bound address.
func (s *Server) Start(addr string) (*net.TCPAddr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start relay: %w", err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("relay stopped: %v", err)
		}
	}()

	tcpAddr := listener.Addr().(*net.TCPAddr)
	util.LogInfo("relay listening on %s", tcpAddr)
	return tcpAddr, nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting connections and disconnects every endpoint.
func (s *Server) Close() error {
	var errs []error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		errs = append(errs, s.httpSrv.Shutdown(ctx))
	}

	// Hijacked WebSocket connections are not tracked by http.Server.
	for _, e := range s.snapshot(uuid.Nil) {
		errs = append(errs, e.conn.Close())
	}
	return errors.Join(errs...)
}

// Peers returns the number of connected endpoints.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) add(e *endpoint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[e.id] = e
	s.metrics.ConnectedEndpoints.Set(float64(len(s.peers)))
	return len(s.peers)
}

func (s *Server) remove(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
	s.metrics.ConnectedEndpoints.Set(float64(len(s.peers)))
	return len(s.peers)
}

// snapshot returns every endpoint except the one with id exclude.
func (s *Server) snapshot(exclude uuid.UUID) []*endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*endpoint, 0, len(s.peers))
	for id, e := range s.peers {
		if id != exclude {
			out = append(out, e)
		}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok peers=" + strconv.Itoa(s.Peers()) + "\n"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	e := &endpoint{id: uuid.New(), conn: conn}
	n := s.add(e)
	s.metrics.ConnectionsTotal.Inc()
	util.LogInfo("endpoint %s connected from %s (total %d)", short(e.id), r.RemoteAddr, n)

	reason := s.serve(e)

	conn.Close()
	n = s.remove(e.id)
	s.metrics.ReadFailures.WithLabelValues(reason).Inc()
	util.LogInfo("endpoint %s disconnected: %s (total %d)", short(e.id), reason, n)
}

// serve reads frames from e and forwards each one, unmodified, to every
// other endpoint. It returns the reason the connection ended.
func (s *Server) serve(e *endpoint) string {
	for {
		msgType, data, err := e.conn.ReadMessage()
		if err != nil {
			return closeReason(err)
		}

		for _, other := range s.snapshot(e.id) {
			if err := other.write(msgType, data); err != nil {
				s.metrics.WriteFailures.Inc()
				util.LogWarning("forward %s → %s failed: %v", short(e.id), short(other.id), err)
				// The receiver's own read loop will observe the close and deregister it.
				other.conn.Close()
				continue
			}
			s.metrics.FramesForwarded.Inc()
			s.metrics.BytesForwarded.Add(float64(len(data)))
		}
		util.LogDebug("relayed %d bytes from %s", len(data), short(e.id))
	}
}

func closeReason(err error) string {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "closed"
	case errors.Is(err, websocket.ErrReadLimit):
		return "frame_too_large"
	case websocket.IsCloseError(err, websocket.CloseAbnormalClosure):
		// TCP dropped without a close frame.
		return "abnormal"
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		return "protocol_error"
	default:
		return "read_error"
	}
}

func short(id uuid.UUID) string {
	return id.String()[:8]
}
