package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/cab-dispatch/internal/models"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameBytes  = 1 << 16
	closeAckWindow = time.Second
)

// WSSession is one websocket connection. Outbound messages go through a
// buffered queue drained by writePump, so Send never blocks on the peer.
type WSSession struct {
	id           string
	conn         *websocket.Conn
	queue        chan models.Message
	writeTimeout time.Duration
	logger       *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func NewWSSession(conn *websocket.Conn, buffer int, writeTimeout time.Duration, logger *slog.Logger) *WSSession {
	if buffer <= 0 {
		buffer = 32
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WSSession{
		id:           uuid.NewString(),
		conn:         conn,
		queue:        make(chan models.Message, buffer),
		writeTimeout: writeTimeout,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

func (s *WSSession) ID() string { return s.id }

// Send enqueues msg. It fails fast when the session is closed or the queue is full.
func (s *WSSession) Send(ctx context.Context, msg models.Message) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: session %s closed", models.ErrTransport, s.id)
	default:
	}
	select {
	case s.queue <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", models.ErrTransport, ctx.Err())
	default:
		return fmt.Errorf("%w: session %s send buffer full", models.ErrTransport, s.id)
	}
}

// Close stops the write pump, which closes the socket. Safe to call repeatedly.
func (s *WSSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// writePump owns all writes to the connection.
func (s *WSSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg := <-s.queue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Warn("ws_write_failed", "session_id", s.id, "type", msg.Type, "error", err)
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeAckWindow))
			return
		}
	}
}

// readPump feeds every text frame to handle until the peer goes away or
// handle returns false.
func (s *WSSession) readPump(handle func([]byte) bool) {
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("ws_closed_unexpectedly", "session_id", s.id, "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage {
			continue
		}
		if !handle(data) {
			return
		}
	}
}
