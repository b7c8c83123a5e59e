// Package relay implements the realtime backend for hosted-relay sync: a
// room registry keyed by household code, per-room stored collections so a
// late joiner can download a snapshot, and fan-out of pushed changes to
// every connected device. The same server is embedded in a host device for
// mesh mode.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/larder/internal/relay/wire"
)

// Server owns the room registry and the HTTP surface.
type Server struct {
	mu     sync.Mutex
	rooms  map[string]*room
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{
		rooms:  make(map[string]*room),
		logger: logger.With("component", "relay"),
	}
}

// Handler returns the relay's HTTP surface: a health check, a room existence
// probe, and the websocket endpoint devices attach to.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/rooms/{code}", s.handleRoomExists)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleRoomExists(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	s.mu.Lock()
	_, ok := s.rooms[code]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]bool{"exists": false})
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"exists": true})
}

// handleWebSocket upgrades the connection, waits for the hello frame naming
// the room, and runs the connection as a room client until it drops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true, // Allow connections from any origin (household LAN)
	})
	if err != nil {
		s.logger.Warn("websocket accept", "error", err)
		return
	}

	ctx := r.Context()

	var hello wire.Frame
	if err := readFrame(ctx, conn, &hello); err != nil {
		conn.Close(ws.StatusProtocolError, "expected hello")
		return
	}
	if hello.Type != wire.TypeHello || hello.RoomCode == "" {
		writeFrame(ctx, conn, wire.Frame{Type: wire.TypeError, ErrCode: wire.ErrCodeBadFrame, ErrMsg: "expected hello with room code"})
		conn.Close(ws.StatusProtocolError, "bad hello")
		return
	}

	room := s.getOrCreateRoom(hello.RoomCode)
	if err := writeFrame(ctx, conn, wire.Frame{Type: wire.TypeWelcome, RoomCode: room.code}); err != nil {
		conn.Close(ws.StatusInternalError, "welcome failed")
		return
	}

	c := newClient(room, conn)
	c.run(ctx)
}

func (s *Server) getOrCreateRoom(code string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[code]
	if !ok {
		r = newRoom(code, s.logger)
		s.rooms[code] = r
		s.logger.Info("room created", "code", code)
	}
	return r
}

// RoomCount returns the number of active rooms.
func (s *Server) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
