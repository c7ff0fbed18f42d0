// Package server implements the agent-facing HTTP and WebSocket surface:
// the connection hub, the auth handshake, and the agent endpoint.
package server

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bceverly/sysmanage-sub000/internal/metrics"
	"github.com/bceverly/sysmanage-sub000/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for inventory payloads
)

var (
	// ErrNotConnected is returned when no live session matches the target.
	ErrNotConnected = errors.New("server: agent not connected")
	// ErrSerialize marks failures encoding a message; the connection is fine.
	ErrSerialize = errors.New("server: serialize message")
)

// wireConn is the subset of *websocket.Conn the hub writes to.
type wireConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// AgentConnection is one live agent WebSocket session.
type AgentConnection struct {
	ID          string
	Hostname    string // set once system_info reveals identity
	HostID      string
	Platform    string
	RemoteIP    string
	ConnectedAt time.Time

	conn    wireConn
	writeMu sync.Mutex
}

func newAgentConnection(id, remoteIP string, conn wireConn) *AgentConnection {
	return &AgentConnection{
		ID:          id,
		RemoteIP:    remoteIP,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
	}
}

// WriteEnvelope sends one protocol message, serializing writes per connection.
func (c *AgentConnection) WriteEnvelope(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialize, err)
	}
	return c.writeFrame(data)
}

func (c *AgentConnection) writeFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a WebSocket ping control frame.
func (c *AgentConnection) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// CloseWithCode sends a close frame with the given code and closes the socket.
func (c *AgentConnection) CloseWithCode(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// AgentInfo is a point-in-time view of one session for health reporting.
type AgentInfo struct {
	ConnID      string    `json:"conn_id"`
	Hostname    string    `json:"hostname,omitempty"`
	HostID      string    `json:"host_id,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	RemoteIP    string    `json:"remote_ip,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Hub is the registry of live agent connections, indexed by connection id,
// hostname, and host id.
type Hub struct {
	log zerolog.Logger

	mu         sync.RWMutex
	conns      map[string]*AgentConnection
	byHostname map[string]*AgentConnection
	byHostID   map[string]*AgentConnection
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		conns:      make(map[string]*AgentConnection),
		byHostname: make(map[string]*AgentConnection),
		byHostID:   make(map[string]*AgentConnection),
	}
}

// Register adds a new session to the registry.
func (h *Hub) Register(c *AgentConnection) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	metrics.AgentsConnected.Set(float64(h.Count()))
	h.log.Debug().Str("conn_id", c.ID).Str("remote_ip", c.RemoteIP).Msg("agent connection registered")
}

// Unregister removes a session from all indexes. Safe to call twice.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
		if c.Hostname != "" && h.byHostname[c.Hostname] == c {
			delete(h.byHostname, c.Hostname)
		}
		if c.HostID != "" && h.byHostID[c.HostID] == c {
			delete(h.byHostID, c.HostID)
		}
	}
	h.mu.Unlock()

	if ok {
		metrics.AgentsConnected.Set(float64(h.Count()))
		h.log.Debug().Str("conn_id", connID).Str("hostname", c.Hostname).Msg("agent connection unregistered")
	}
}

// BindIdentity indexes a session under its hostname and host id once a
// system_info message reveals them. An older session for the same hostname,
// compared case-insensitively, is closed and replaced.
func (h *Hub) BindIdentity(connID, hostname, hostID, platform string) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return ErrNotConnected
	}

	var replaced *AgentConnection
	if existing, dup := h.lookupHostnameLocked(hostname); dup && existing != c {
		replaced = existing
		delete(h.conns, existing.ID)
		delete(h.byHostname, existing.Hostname)
		if existing.HostID != "" && h.byHostID[existing.HostID] == existing {
			delete(h.byHostID, existing.HostID)
		}
	}

	c.Hostname = hostname
	c.Platform = platform
	h.byHostname[hostname] = c
	if hostID != "" {
		c.HostID = hostID
		h.byHostID[hostID] = c
	}
	h.mu.Unlock()

	if replaced != nil {
		replaced.CloseWithCode(websocket.CloseNormalClosure, "replaced by newer connection")
		h.log.Warn().Str("hostname", hostname).Msg("replaced duplicate agent connection")
	}
	h.log.Info().Str("conn_id", connID).Str("hostname", hostname).Str("host_id", hostID).Msg("agent identity bound")
	return nil
}

// lookupHostnameLocked tries an exact index hit first, then falls back to a
// case-insensitive scan. Callers must hold the mutex.
func (h *Hub) lookupHostnameLocked(hostname string) (*AgentConnection, bool) {
	if c, ok := h.byHostname[hostname]; ok {
		return c, true
	}
	for name, c := range h.byHostname {
		if strings.EqualFold(name, hostname) {
			return c, true
		}
	}
	return nil, false
}

// GetByHostname returns the live session for a hostname. Matching is exact
// first, then case-insensitive.
func (h *Hub) GetByHostname(hostname string) (*AgentConnection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lookupHostnameLocked(hostname)
}

// GetByHostID returns the live session for a host id.
func (h *Hub) GetByHostID(hostID string) (*AgentConnection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byHostID[hostID]
	return c, ok
}

// IsConnected reports whether a hostname has a live session.
func (h *Hub) IsConnected(hostname string) bool {
	_, ok := h.GetByHostname(hostname)
	return ok
}

// HasHostID reports whether a host id has a live session.
func (h *Hub) HasHostID(hostID string) bool {
	_, ok := h.GetByHostID(hostID)
	return ok
}

// SendToHostname delivers a message to the agent with the given hostname.
// Transport failures evict the session; encoding failures leave it alone.
func (h *Hub) SendToHostname(hostname string, msg *protocol.Message) error {
	c, ok := h.GetByHostname(hostname)
	if !ok {
		return ErrNotConnected
	}
	return h.send(c, msg)
}

// SendToHostID delivers a message to the agent with the given host id.
func (h *Hub) SendToHostID(hostID string, msg *protocol.Message) error {
	c, ok := h.GetByHostID(hostID)
	if !ok {
		return ErrNotConnected
	}
	return h.send(c, msg)
}

// SendToAgent delivers a message to a specific session by connection id.
func (h *Hub) SendToAgent(connID string, msg *protocol.Message) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	return h.send(c, msg)
}

func (h *Hub) send(c *AgentConnection, msg *protocol.Message) error {
	err := c.WriteEnvelope(msg)
	if err == nil {
		return nil
	}

	class := classifySendError(err)
	metrics.AgentSendFailures.WithLabelValues(class).Inc()
	h.log.Warn().
		Err(err).
		Str("hostname", c.Hostname).
		Str("class", class).
		Str("type", string(msg.Type)).
		Msg("send to agent failed")

	if class != classSerialization && shouldEvict(err) {
		h.evict(c)
	}
	return err
}

func (h *Hub) evict(c *AgentConnection) {
	h.Unregister(c.ID)
	_ = c.conn.Close()
	h.log.Info().Str("conn_id", c.ID).Str("hostname", c.Hostname).Msg("evicted dead agent connection")
}

// Broadcast sends a message to every connected agent, evicting sessions whose
// transport failed. Returns the number of successful deliveries.
func (h *Hub) Broadcast(msg *protocol.Message) int {
	h.mu.RLock()
	targets := make([]*AgentConnection, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	return h.deliverAll(targets, msg)
}

// BroadcastToPlatform sends a message to every connected agent whose bound
// platform matches, case-insensitively. Returns the number of deliveries.
func (h *Hub) BroadcastToPlatform(platform string, msg *protocol.Message) int {
	h.mu.RLock()
	targets := make([]*AgentConnection, 0, len(h.conns))
	for _, c := range h.conns {
		if strings.EqualFold(c.Platform, platform) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	return h.deliverAll(targets, msg)
}

// deliverAll encodes the message once and writes the frame to every target,
// then evicts the dead ones in a second pass so eviction never mutates the
// registry mid-iteration. Connections survive write errors that are not
// transport failures.
func (h *Hub) deliverAll(targets []*AgentConnection, msg *protocol.Message) int {
	data, err := msg.Encode()
	if err != nil {
		metrics.AgentSendFailures.WithLabelValues(classSerialization).Inc()
		h.log.Error().Err(err).Str("type", string(msg.Type)).Msg("broadcast message does not encode")
		return 0
	}

	delivered := 0
	var failed []*AgentConnection
	for _, c := range targets {
		err := c.writeFrame(data)
		if err == nil {
			delivered++
			continue
		}
		metrics.AgentSendFailures.WithLabelValues(classifySendError(err)).Inc()
		if shouldEvict(err) {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		h.evict(c)
	}

	h.log.Debug().Int("delivered", delivered).Int("evicted", len(failed)).Str("type", string(msg.Type)).Msg("broadcast")
	return delivered
}

// ConnectedAgents returns a snapshot of live sessions.
func (h *Hub) ConnectedAgents() []AgentInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(h.conns))
	for _, c := range h.conns {
		infos = append(infos, AgentInfo{
			ConnID:      c.ID,
			Hostname:    c.Hostname,
			HostID:      c.HostID,
			Platform:    c.Platform,
			RemoteIP:    c.RemoteIP,
			ConnectedAt: c.ConnectedAt,
		})
	}
	return infos
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every session, normally during shutdown.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	targets := make([]*AgentConnection, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.conns = make(map[string]*AgentConnection)
	h.byHostname = make(map[string]*AgentConnection)
	h.byHostID = make(map[string]*AgentConnection)
	h.mu.Unlock()

	for _, c := range targets {
		c.CloseWithCode(websocket.CloseGoingAway, reason)
	}
	metrics.AgentsConnected.Set(0)
}

// Send failure classes.
const (
	classTransport     = "transport"
	classSerialization = "serialization"
	classUnknown       = "unknown"
)

func classifySendError(err error) string {
	switch {
	case errors.Is(err, ErrSerialize):
		return classSerialization
	case isTransportError(err):
		return classTransport
	default:
		return classUnknown
	}
}

func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed)
}

// shouldEvict decides whether a send failure means the session is dead.
// Transport errors always do. Unknown errors are treated as dead only when
// they look connection-related; anything else keeps the session.
func shouldEvict(err error) bool {
	if err == nil || errors.Is(err, ErrSerialize) {
		return false
	}
	if isTransportError(err) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "connection") ||
		strings.Contains(s, "network") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "broken pipe")
}
