package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opd-ai/go-fntv-play/internal/session"
)

// eventConnected is the first message a client receives. Its data is the
// active session, if any.
const eventConnected session.EventType = "connected"

// WebSocket upgrader with CORS support
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketClient represents a connected WebSocket client. Each client
// holds its own bus subscription.
type WebSocketClient struct {
	conn        *websocket.Conn
	events      <-chan session.Event
	unsubscribe func()
	server      *Server
	logger      *slog.Logger
}

// handleWebSocket streams session events to the client until it disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	events, unsubscribe := s.sessions.Bus().Subscribe(256)
	client := &WebSocketClient{
		conn:        conn,
		events:      events,
		unsubscribe: unsubscribe,
		server:      s,
		logger:      s.logger.With("remote_addr", r.RemoteAddr),
	}

	s.logger.Info("WebSocket client connected", "remote_addr", r.RemoteAddr)

	s.registerWSClient(client)

	if err := client.sendInitialStatus(); err != nil {
		client.logger.Warn("Failed to send initial status", "error", err)
	}

	go client.writePump()
	go client.readPump()
}

// sendInitialStatus writes the connected message before any bus event.
func (c *WebSocketClient) sendInitialStatus() error {
	hello := session.Event{Type: eventConnected, Timestamp: time.Now()}
	if st, ok := c.server.sessions.Status(); ok {
		hello.SessionID = st.Info.SessionID
		hello.ItemGUID = st.Info.ItemGUID
		hello.Data = newSessionView(st)
	}

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(hello)
}

// writePump handles sending events to the WebSocket client.
// Runs in a goroutine and manages connection cleanup on error.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.server.unregisterWSClient(c)
		c.logger.Debug("WebSocket write pump stopped")
	}()

	for {
		select {
		case event, ok := <-c.events:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Error("WebSocket write error", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error("WebSocket ping error", "error", err)
				return
			}
		}
	}
}

// readPump drains client messages and keeps the connection healthy. The
// event stream is one-way; text messages are only logged.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.conn.Close()
		c.unsubscribe()
		c.logger.Debug("WebSocket read pump stopped")
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", "error", err)
			}
			return
		}

		if messageType == websocket.TextMessage {
			c.logger.Debug("WebSocket message received", "message", string(message))
		}

		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	}
}

func (s *Server) registerWSClient(c *WebSocketClient) {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	s.wsClients[c] = struct{}{}
}

func (s *Server) unregisterWSClient(c *WebSocketClient) {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	delete(s.wsClients, c)
}

func (s *Server) wsClientCount() int {
	s.wsMutex.RLock()
	defer s.wsMutex.RUnlock()
	return len(s.wsClients)
}

// closeWSClients ends every event subscription; write pumps then send a
// close frame and exit.
func (s *Server) closeWSClients() {
	s.wsMutex.RLock()
	clients := make([]*WebSocketClient, 0, len(s.wsClients))
	for c := range s.wsClients {
		clients = append(clients, c)
	}
	s.wsMutex.RUnlock()

	for _, c := range clients {
		c.unsubscribe()
	}
}
