// Package observer streams swarm snapshots to websocket clients for live
// inspection of a running simulation.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pthm-cable/swarm/components"
	"github.com/pthm-cable/swarm/config"
	"github.com/pthm-cable/swarm/swarm"
)

// Frame is one streamed snapshot.
type Frame struct {
	Tick   uint64       `json:"tick"`
	Scale  float64      `json:"scale"`
	Total  int          `json:"total"` // registered agents, including culled and capped ones
	Agents []FrameAgent `json:"agents"`
}

// FrameAgent is the streamed state of one agent.
type FrameAgent struct {
	ID    components.AgentID `json:"id"`
	Pos   [3]float64         `json:"pos"`
	Vel   [3]float64         `json:"vel"`
	Level string             `json:"level"`
}

const clientBuffer = 4

// levelUnclassified marks agents registered since the last tick.
const levelUnclassified = "unclassified"

// ViewFilter reports whether an agent at p is within view at tick.
type ViewFilter func(tick uint64, p components.Vec) bool

// Server fans published frames out to every connected client. Slow
// clients miss frames rather than stalling the simulation.
type Server struct {
	maxAgents int
	upgrader  websocket.Upgrader
	view      atomic.Pointer[ViewFilter]

	mu      sync.Mutex
	clients map[uint64]chan []byte
	nextID  atomic.Uint64

	latest    atomic.Pointer[[]byte]
	lastTick  atomic.Uint64
	published atomic.Uint64
}

// NewServer creates an observer server.
func NewServer(cfg config.ObserverConfig) *Server {
	maxAgents := cfg.MaxAgents
	if maxAgents <= 0 {
		maxAgents = 5000
	}
	return &Server{
		maxAgents: maxAgents,
		clients:   make(map[uint64]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only, see WSHandler
		},
	}
}

// SetView restricts published frames to agents accepted by fn. A nil fn
// streams every agent.
func (s *Server) SetView(fn ViewFilter) {
	if fn == nil {
		s.view.Store(nil)
		return
	}
	s.view.Store(&fn)
}

// BuildFrame converts a snapshot into a frame. Culled agents and agents
// rejected by inView are omitted, and at most maxAgents agents are
// included, lowest IDs first. A nil inView accepts everything.
func BuildFrame(snap *swarm.Snapshot, maxAgents int, inView ViewFilter) Frame {
	f := Frame{
		Tick:   snap.Tick,
		Scale:  snap.Scale,
		Total:  snap.Len(),
		Agents: make([]FrameAgent, 0, min(snap.Len(), maxAgents)),
	}
	for _, a := range snap.Agents {
		if len(f.Agents) >= maxAgents {
			break
		}
		if a.Classified && a.Level == components.LevelCulled {
			continue
		}
		if inView != nil && !inView(snap.Tick, a.Position) {
			continue
		}
		level := levelUnclassified
		if a.Classified {
			level = a.Level.String()
		}
		f.Agents = append(f.Agents, FrameAgent{
			ID:    a.ID,
			Pos:   [3]float64{a.Position.X, a.Position.Y, a.Position.Z},
			Vel:   [3]float64{a.Velocity.X, a.Velocity.Y, a.Velocity.Z},
			Level: level,
		})
	}
	return f
}

// Publish encodes snap and queues it for every client.
func (s *Server) Publish(snap *swarm.Snapshot) {
	var inView ViewFilter
	if fn := s.view.Load(); fn != nil {
		inView = *fn
	}
	b, err := json.Marshal(BuildFrame(snap, s.maxAgents, inView))
	if err != nil {
		slog.Error("observer: encoding frame", "error", err)
		return
	}
	s.latest.Store(&b)
	s.lastTick.Store(snap.Tick)
	s.published.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.clients {
		select {
		case ch <- b:
		default:
			// Drop under load; the next frame supersedes this one.
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) join() (uint64, chan []byte) {
	id := s.nextID.Add(1)
	ch := make(chan []byte, clientBuffer)
	if b := s.latest.Load(); b != nil {
		ch <- *b
	}
	s.mu.Lock()
	s.clients[id] = ch
	s.mu.Unlock()
	return id, ch
}

func (s *Server) leave(id uint64) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// Handler returns the HTTP handler serving /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.WSHandler())
	mux.HandleFunc("/healthz", s.HealthHandler())
	return mux
}

// HealthHandler reports liveness and stream progress.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"ok":        true,
			"tick":      s.lastTick.Load(),
			"published": s.published.Load(),
			"clients":   s.Clients(),
		})
	}
}

// WSHandler upgrades loopback clients and streams frames until the client
// disconnects.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id, frames := s.join()
		defer s.leave(id)
		slog.Debug("observer: client joined", "client", id, "remote", r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Reader goroutine: clients send nothing meaningful, but reading
		// processes control frames and detects disconnects.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
				return
			case b := <-frames:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}
}

// ListenAndServe serves the observer on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
