package statusserver

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WsMessage is one frame sent to stream clients.
type WsMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// client serializes writes to one connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// streamManager tracks connected websocket clients.
type streamManager struct {
	clients    map[*client]bool
	clientsMux sync.RWMutex
}

func newStreamManager() *streamManager {
	return &streamManager{clients: make(map[*client]bool)}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (m *streamManager) add(c *client) {
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()
	m.clients[c] = true
}

func (m *streamManager) remove(c *client) {
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()
	delete(m.clients, c)
}

// broadcast sends message to every client, dropping the ones that fail.
func (m *streamManager) broadcast(message WsMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	m.clientsMux.RLock()
	defer m.clientsMux.RUnlock()
	for c := range m.clients {
		if err := c.write(data); err != nil {
			go func(c *client) {
				m.remove(c)
				c.conn.Close()
			}(c)
		}
	}
}

func (m *streamManager) count() int {
	m.clientsMux.RLock()
	defer m.clientsMux.RUnlock()
	return len(m.clients)
}

func (m *streamManager) closeAll() {
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()
	for c := range m.clients {
		c.conn.Close()
		delete(m.clients, c)
	}
}

// handle upgrades the request, sends the current snapshot and answers pings until the client leaves.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "WebSocket upgrade failed"})
		return
	}
	cl := &client{conn: conn}
	defer func() {
		s.streams.remove(cl)
		conn.Close()
	}()

	s.streams.add(cl)
	log.Printf("statusserver: client connected, total clients: %d", s.streams.count())

	hello, _ := json.Marshal(WsMessage{Type: "snapshot", Timestamp: time.Now(), Data: s.Snapshot()})
	if err := cl.write(hello); err != nil {
		log.Printf("statusserver: error writing snapshot: %v", err)
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var clientMsg map[string]interface{}
		if json.Unmarshal(message, &clientMsg) == nil {
			if msgType, ok := clientMsg["type"].(string); ok && msgType == "ping" {
				pong, _ := json.Marshal(WsMessage{Type: "pong", Timestamp: time.Now(), Data: map[string]string{"message": "pong"}})
				if err := cl.write(pong); err != nil {
					return
				}
			}
		}
	}
	log.Printf("statusserver: client disconnected, remaining clients: %d", s.streams.count()-1)
}
