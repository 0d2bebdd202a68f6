// Package push delivers real-time payloads to live browser connections.
// Delivery is best-effort: a dead or slow connection is evicted, never
// retried, and never fails the caller.
package push

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wardbot/pkg/logx"
)

// GroupDiagnostics receives selected event-bus traffic for live dashboards.
const GroupDiagnostics = "diagnostics"

type conn struct {
	ws     *websocket.Conn
	userID int64
	group  string
}

// Hub tracks userID -> connections and named groups. All writes are
// serialized under the hub mutex; gorilla connections do not allow
// concurrent writers.
type Hub struct {
	log          logx.Logger
	writeTimeout time.Duration

	mu     sync.Mutex
	users  map[int64]map[*websocket.Conn]*conn
	groups map[string]map[*websocket.Conn]*conn
}

func NewHub(log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		log:          log,
		writeTimeout: 5 * time.Second,
		users:        map[int64]map[*websocket.Conn]*conn{},
		groups:       map[string]map[*websocket.Conn]*conn{},
	}
}

// AttachUser registers a live connection for a user. The caller owns the
// read loop and must Detach when it ends.
func (h *Hub) AttachUser(userID int64, ws *websocket.Conn) {
	c := &conn{ws: ws, userID: userID}
	h.mu.Lock()
	set := h.users[userID]
	if set == nil {
		set = map[*websocket.Conn]*conn{}
		h.users[userID] = set
	}
	set[ws] = c
	n := len(set)
	h.mu.Unlock()
	h.log.Debug("user connection attached", logx.Int64("user_id", userID), logx.Int("conns", n))
}

// AttachGroup registers a connection in a named group.
func (h *Hub) AttachGroup(group string, ws *websocket.Conn) {
	c := &conn{ws: ws, group: group}
	h.mu.Lock()
	set := h.groups[group]
	if set == nil {
		set = map[*websocket.Conn]*conn{}
		h.groups[group] = set
	}
	set[ws] = c
	h.mu.Unlock()
	h.log.Debug("group connection attached", logx.String("group", group))
}

// Detach removes a connection wherever it is registered.
func (h *Hub) Detach(ws *websocket.Conn) {
	h.mu.Lock()
	for userID, set := range h.users {
		if _, ok := set[ws]; ok {
			delete(set, ws)
			if len(set) == 0 {
				delete(h.users, userID)
			}
		}
	}
	for group, set := range h.groups {
		if _, ok := set[ws]; ok {
			delete(set, ws)
			if len(set) == 0 {
				delete(h.groups, group)
			}
		}
	}
	h.mu.Unlock()
}

// PushToUser sends payload to every live connection of the user and returns
// how many connections received it.
func (h *Hub) PushToUser(userID int64, payload any) int {
	b, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("push payload marshal failed", logx.Err(err))
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sendLocked(h.users[userID], b)
}

// PushToGroup sends payload to every connection of a named group.
func (h *Hub) PushToGroup(group string, payload any) int {
	b, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("push payload marshal failed", logx.Err(err))
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sendLocked(h.groups[group], b)
}

// Connections reports the number of live connections for a user.
func (h *Hub) Connections(userID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users[userID])
}

func (h *Hub) sendLocked(set map[*websocket.Conn]*conn, b []byte) int {
	sent := 0
	for ws := range set {
		_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
			// Evict on first failure; the owning read loop will notice the close.
			delete(set, ws)
			_ = ws.Close()
			continue
		}
		sent++
	}
	return sent
}
