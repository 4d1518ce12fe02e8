package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/room-presence/internal/config"
	"github.com/zoravur/room-presence/internal/logutil"
	"github.com/zoravur/room-presence/internal/presence"
	"github.com/zoravur/room-presence/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	invalidJoinMessage = "Invalid join request"
)

var (
	errSlowConsumer  = errors.New("send buffer full")
	errSessionClosed = errors.New("session closed")
	errInvalidJoin   = errors.New("invalid join request")
)

// WSHandler upgrades HTTP requests to websocket sessions and feeds their
// events to the coordinator.
type WSHandler struct {
	coord    *presence.Coordinator
	handlers *protocol.Registry
	upgrader websocket.Upgrader
	cfg      config.Config

	mu       sync.Mutex
	sessions map[*session]struct{}
	closing  bool
}

func NewWSHandler(coord *presence.Coordinator, cfg config.Config, log *zap.Logger) *WSHandler {
	h := &WSHandler{
		coord:    coord,
		handlers: protocol.NewRegistry(),
		cfg:      cfg,
		sessions: make(map[*session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins, log),
		},
	}
	h.handlers.Add(protocol.EventJoinRoom, h.handleJoin)
	return h
}

// HandleWS upgrades the connection, registers it with the coordinator and
// serves it until the peer goes away. Its rooms are released on return.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	log := logutil.FromContext(r.Context())

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade error", zap.Error(err))
		return
	}

	s := newSession(ws, h.cfg)
	if !h.track(s) {
		s.shutdown("server shutting down")
		return
	}
	defer h.untrack(s)

	conn := h.coord.Connect(&presence.Client{
		Send: func(event string, payload any) error { return s.enqueue(event, 0, payload) },
	})
	s.id = conn.ID
	s.log = log.With(zap.String("conn", conn.ID))

	go s.writePump()
	s.readPump(func(ctx context.Context, raw []byte) {
		if err := protocol.HandleMessage(ctx, s.id, raw, h.handlers, s.enqueue); err != nil {
			s.log.Warn("message rejected", zap.Error(err))
		}
	})
	s.close()

	// cleanup on disconnect
	if err := h.coord.Disconnect(context.Background(), s.id); err != nil {
		s.log.Debug("disconnect cleanup skipped", zap.Error(err))
	}
}

func (h *WSHandler) handleJoin(ctx context.Context, connID string, msg protocol.Message, reply protocol.ReplyFunc) error {
	var req protocol.JoinRoom
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.RoomID == "" || req.UserName == "" {
		reply(protocol.JoinFailed(invalidJoinMessage))
		return errInvalidJoin
	}

	_, err := h.coord.Join(ctx, presence.JoinRequest{
		ConnectionID: connID,
		RoomID:       req.RoomID,
		DisplayName:  req.UserName,
		Ack: func(res presence.JoinResult, err error) {
			if err != nil {
				reply(protocol.JoinFailed(presence.UserMessage(err)))
				return
			}
			reply(protocol.JoinOK(res.Users))
		},
	})
	if errors.Is(err, presence.ErrRoomFull) || errors.Is(err, presence.ErrNameTaken) {
		return nil
	}
	return err
}

func (h *WSHandler) track(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions[s] = struct{}{}
	return true
}

func (h *WSHandler) untrack(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

// Close sends a going-away frame to every open session and refuses new ones.
func (h *WSHandler) Close() {
	h.mu.Lock()
	h.closing = true
	open := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.shutdown("server shutting down")
	}
}

// session is one websocket connection. Outbound frames go through send so
// that a single goroutine writes to the socket.
type session struct {
	id             string
	ws             *websocket.Conn
	send           chan []byte
	done           chan struct{}
	once           sync.Once
	ctx            context.Context
	cancel         context.CancelFunc
	maxMessageSize int64
	log            *zap.Logger
}

func newSession(ws *websocket.Conn, cfg config.Config) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		ws:             ws,
		send:           make(chan []byte, cfg.SendBuffer),
		done:           make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		maxMessageSize: cfg.MaxMessageSize,
		log:            zap.NewNop(),
	}
}

// enqueue never blocks. A peer that cannot keep up is disconnected.
func (s *session) enqueue(event string, ack uint64, payload any) error {
	b, err := protocol.Encode(event, ack, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- b:
		return nil
	default:
		s.close()
		return errSlowConsumer
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		_ = s.ws.Close()
	})
}

func (s *session) shutdown(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.close()
}

func (s *session) readPump(handle func(context.Context, []byte)) {
	s.ws.SetReadLimit(s.maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		handle(s.ctx, raw)
	}
}

func (s *session) logReadError(err error) {
	select {
	case <-s.done:
		s.log.Debug("connection closed locally", zap.Error(err))
		return
	default:
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("message exceeded maximum size", zap.Int64("limit", s.maxMessageSize))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.log.Info("client disconnected")
	case websocket.IsUnexpectedCloseError(err):
		s.log.Warn("unexpected websocket close", zap.Error(err))
	default:
		s.log.Info("connection closed", zap.Error(err))
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}
