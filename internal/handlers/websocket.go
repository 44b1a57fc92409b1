package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/TrainLCD/THQ/internal/ingest"
	"github.com/TrainLCD/THQ/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 << 10

	// Per-connection send queue; the hub drops what a slow client
	// cannot drain
	sendQueueSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{"thq"},
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsAuthError is a handshake rejection with its HTTP status.
type wsAuthError struct {
	status  int
	message string
}

func (e *wsAuthError) Error() string { return e.message }

// protocolOffer is the parsed Sec-WebSocket-Protocol header. The client
// offers the formal protocol name plus a token smuggled as a second entry,
// the only header browsers allow a WebSocket handshake to carry.
type protocolOffer struct {
	hasTHQ   bool
	token    string
	hasToken bool
}

func parseProtocolHeader(raw string) protocolOffer {
	var offer protocolOffer
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.EqualFold(entry, "thq") {
			offer.hasTHQ = true
		}
		if rest, ok := strings.CutPrefix(entry, "thq-auth-"); ok && !offer.hasToken {
			offer.token = rest
			offer.hasToken = true
		}
	}
	return offer
}

// checkWSAuth enforces the handshake policy before the upgrade, while a
// plain HTTP status can still be returned.
func (h *ConductorHandlers) checkWSAuth(r *http.Request) *wsAuthError {
	if !h.auth.Required {
		return nil
	}

	raw := r.Header.Get("Sec-WebSocket-Protocol")
	if raw == "" {
		return &wsAuthError{status: http.StatusUnauthorized, message: "missing Sec-WebSocket-Protocol header"}
	}

	offer := parseProtocolHeader(raw)
	if !offer.hasTHQ {
		return &wsAuthError{status: http.StatusUnauthorized, message: "'thq' protocol not requested"}
	}
	if !offer.hasToken {
		return &wsAuthError{status: http.StatusUnauthorized, message: "missing thq-auth token"}
	}
	if h.auth.Token == "" {
		return &wsAuthError{status: http.StatusInternalServerError, message: "server token is not configured"}
	}
	if subtle.ConstantTimeCompare([]byte(offer.token), []byte(h.auth.Token)) != 1 {
		return &wsAuthError{status: http.StatusUnauthorized, message: "invalid websocket auth token"}
	}
	return nil
}

// HandleWebSocket authenticates the handshake and upgrades the connection
// to the duplex telemetry protocol. The upgrader echoes the `thq`
// subprotocol only when the client offered it.
func (h *ConductorHandlers) HandleWebSocket(c *gin.Context) {
	if authErr := h.checkWSAuth(c.Request); authErr != nil {
		h.logger.WithFields(logging.Fields{
			"peer":   c.ClientIP(),
			"reason": authErr.message,
		}).Warn("WebSocket auth failed")
		c.String(authErr.status, authErr.message)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	client := newClient(h.pipeline, conn, h.logger)
	go client.writePump()
	go client.readPump()
}

// client owns one WebSocket connection. The reader goroutine drives the
// session; the writer drains the send queue and keeps the peer alive with
// pings. Pings from the peer are answered by the connection's default
// handler.
type client struct {
	conn    *websocket.Conn
	session *ingest.Session
	send    chan string
	done    chan struct{}
	once    sync.Once
	logger  logging.Logger
}

func newClient(pipeline *ingest.Pipeline, conn *websocket.Conn, logger logging.Logger) *client {
	send := make(chan string, sendQueueSize)
	done := make(chan struct{})
	c := &client{
		conn:   conn,
		send:   send,
		done:   done,
		logger: logger,
	}
	c.session = pipeline.NewSession(send, done)
	return c
}

// shutdown signals both pumps to stop. The hub evicts the subscription on
// its next broadcast even if Close never ran.
func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.done)
	})
}

// readPump pumps frames from the WebSocket connection into the session.
func (c *client) readPump() {
	defer func() {
		c.shutdown()
		c.session.Close()
		_ = c.conn.Close()
		c.logger.WithFields(logging.Fields{
			"peer":      c.conn.RemoteAddr().String(),
			"client_id": c.session.ID(),
		}).Info("Client disconnected")
	}()

	c.logger.WithFields(logging.Fields{
		"peer":      c.conn.RemoteAddr().String(),
		"client_id": c.session.ID(),
	}).Info("Client connected")

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := context.Background()
	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("WebSocket receive error")
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			c.session.HandleText(ctx, message)
		case websocket.BinaryMessage:
			c.session.HandleBinary()
		}
	}
}

// writePump pumps queued payloads to the WebSocket connection. Each payload
// is one text frame so clients can parse frames as standalone JSON.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
