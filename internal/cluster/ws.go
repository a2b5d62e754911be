package cluster

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dayuer/dispatchd/internal/journal"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps a websocket.Conn with a write mutex for thread safety.
// gorilla/websocket does NOT support concurrent writes.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) WriteJSONSafe(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.Conn.WriteJSON(v)
}

func (c *wsConn) WritePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (c *wsConn) WriteCloseSafe(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text))
}

// handleWS streams the journal to the client.
//
// Protocol:
//
//	server → client:  {"type": "journal",   "entry": {...}}
//	server → client:  {"type": "heartbeat", "instanceId": "...", "load": {...}}
//	client → server:  {"type": "ping"}                              → pong + load
//	client → server:  {"type": "store", "channel": "...", "payload": ...} → stored / error
//
// Fingerprint auth: connect with ?fp=<fingerprint>, mismatch returns 403.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsFingerprint != "" {
		fp := r.URL.Query().Get("fp")
		if fp != s.wsFingerprint {
			log.Printf("[WS] 🚫 Fingerprint mismatch: %s (got=%q)", r.RemoteAddr, fp)
			http.Error(w, "Invalid fingerprint", http.StatusForbidden)
			return
		}
	}

	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] ⚠️ Upgrade failed: %v", err)
		return
	}

	conn := &wsConn{Conn: raw}
	peer := r.RemoteAddr
	log.Printf("[WS] 🔗 Connected: %s ✅", peer)

	s.wsMu.Lock()
	s.wsConns[conn] = true
	s.wsMu.Unlock()

	defer func() {
		raw.Close()
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
		log.Printf("[WS] 🔌 Disconnected: %s", peer)
	}()

	readTimeout := 6 * s.heartbeat
	raw.SetReadDeadline(time.Now().Add(readTimeout))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] ⚠️ Error: %v", err)
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(readTimeout))

		var msg struct {
			Type    string          `json:"type"`
			Channel string          `json:"channel"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "ping":
			conn.WriteJSONSafe(map[string]any{
				"type":       "pong",
				"instanceId": s.instanceID,
				"load":       s.load(),
			})

		case "store":
			conn.WriteJSONSafe(s.wsStore(msg.Channel, msg.Payload))
		}
	}
}

// wsStore stores a payload received over the WebSocket and builds the reply.
func (s *Server) wsStore(channelID string, raw json.RawMessage) map[string]any {
	if s.dispatcher == nil {
		return map[string]any{"type": "error", "error": "no dispatcher configured"}
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{"type": "error", "error": "invalid payload"}
	}
	start := time.Now()
	id, err := s.dispatcher.Store(channelID, payload)
	s.totalRequests.Add(1)
	s.storeLatency.Record(time.Since(start))
	if err != nil {
		return map[string]any{"type": "error", "error": err.Error()}
	}
	return map[string]any{"type": "stored", "channel": channelID, "id": id}
}

// Record broadcasts a journal entry to every WebSocket client, which makes
// the server a journal.Sink.
func (s *Server) Record(_ context.Context, e journal.Entry) error {
	s.broadcast(map[string]any{"type": "journal", "entry": e}, false)
	return nil
}

// Close closes every WebSocket connection.
func (s *Server) Close() error {
	s.closeAllWS()
	return nil
}

// heartbeatLoop sends WS-level pings + JSON heartbeat periodically.
func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcastHeartbeat()
		}
	}
}

// broadcastHeartbeat sends WS ping frames + JSON heartbeat to all connections.
func (s *Server) broadcastHeartbeat() {
	s.broadcast(map[string]any{
		"type":       "heartbeat",
		"instanceId": s.instanceID,
		"load":       s.load(),
	}, true)
}

// broadcast writes payload to every connection and drops the dead ones.
func (s *Server) broadcast(payload any, ping bool) {
	s.wsMu.Lock()
	if len(s.wsConns) == 0 {
		s.wsMu.Unlock()
		return
	}
	conns := make([]*wsConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()

	var dead []*wsConn
	for _, c := range conns {
		if ping {
			if err := c.WritePing(); err != nil {
				dead = append(dead, c)
				continue
			}
		}
		if err := c.WriteJSONSafe(payload); err != nil {
			dead = append(dead, c)
		}
	}

	if len(dead) > 0 {
		s.wsMu.Lock()
		for _, c := range dead {
			delete(s.wsConns, c)
			c.Close()
		}
		s.wsMu.Unlock()
	}
}

// closeAllWS closes all WebSocket connections (called on shutdown).
func (s *Server) closeAllWS() {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for c := range s.wsConns {
		c.WriteCloseSafe(websocket.CloseGoingAway, "server shutdown")
		c.Close()
		delete(s.wsConns, c)
	}
}

// WSConnectionCount returns the number of active WebSocket connections.
func (s *Server) WSConnectionCount() int {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return len(s.wsConns)
}
