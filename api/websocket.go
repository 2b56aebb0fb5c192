package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yllada/vpn-session-manager/common"
	"github.com/yllada/vpn-session-manager/vpn"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// client is one event stream connection. State changes are queued without
// limit; health updates are best effort.
type client struct {
	id     string
	conn   *websocket.Conn
	events *vpn.ChannelObserver
	sub    *vpn.Subscription
	health chan EventMessage
	once   sync.Once
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		common.LogWarn("WebSocket upgrade error: %v", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		events: vpn.NewChannelObserver(),
		health: make(chan EventMessage, 16),
	}
	c.sub = s.manager.Subscribe(c.events)

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	common.LogDebug("Event stream client %s connected", common.ShortID(c.id))

	status := s.status()
	snapshot := EventMessage{
		Type:      EventSnapshot,
		New:       status.State,
		Status:    &status,
		Timestamp: time.Now(),
	}

	go c.writePump(snapshot)
	go c.readPump(s)
}

// PublishHealth forwards a health change to every event stream. Its
// signature matches vpn.Manager.SetOnHealthChange.
func (s *Server) PublishHealth(profileID string, oldState, newState vpn.HealthState) {
	msg := EventMessage{
		Type:      EventHealth,
		Health:    newState.String(),
		Timestamp: time.Now(),
	}
	if p := s.manager.Session().ActiveProfile; p != nil && p.ID == profileID {
		msg.Profile = toProfileDTO(p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		select {
		case c.health <- msg:
		default:
		}
	}
}

// ClientCount returns the number of connected event stream clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.removeClient(c)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		c.sub.Close()
		c.events.Close()
	})
}

// readPump discards client frames and detects disconnects.
func (c *client) readPump(s *Server) {
	defer func() {
		s.removeClient(c)
		c.conn.Close()
		common.LogDebug("Event stream client %s disconnected", common.ShortID(c.id))
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				common.LogDebug("WebSocket error: %v", err)
			}
			return
		}
	}
}

func (c *client) writePump(snapshot EventMessage) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(snapshot); err != nil {
		return
	}

	events := c.events.Events()
	for {
		select {
		case ev, ok := <-events:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteJSON(eventFrom(ev)); err != nil {
				return
			}

		case msg := <-c.health:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
