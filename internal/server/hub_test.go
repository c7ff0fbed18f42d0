package server

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bceverly/sysmanage-sub000/internal/protocol"
)

// fakeConn records frames written to it and can simulate failures.
type fakeConn struct {
	mu         sync.Mutex
	frames     [][]byte
	writeErr   error
	closed     bool
	closeCodes []int
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		f.closeCodes = append(f.closeCodes, int(data[0])<<8|int(data[1]))
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testHub() *Hub {
	return NewHub(zerolog.Nop())
}

func register(h *Hub, connID, hostname, hostID string) (*AgentConnection, *fakeConn) {
	return registerOn(h, connID, hostname, hostID, "")
}

func registerOn(h *Hub, connID, hostname, hostID, platform string) (*AgentConnection, *fakeConn) {
	fc := &fakeConn{}
	c := newAgentConnection(connID, "10.0.0.1", fc)
	h.Register(c)
	if hostname != "" {
		_ = h.BindIdentity(connID, hostname, hostID, platform)
	}
	return c, fc
}

func pingMsg(t *testing.T) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.TypePing, nil)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	return msg
}

func TestHub_RegisterAndCount(t *testing.T) {
	h := testHub()
	register(h, "c-1", "", "")
	register(h, "c-2", "", "")

	if h.Count() != 2 {
		t.Errorf("Expected 2 connections, got %d", h.Count())
	}

	h.Unregister("c-1")
	if h.Count() != 1 {
		t.Errorf("Expected 1 connection after unregister, got %d", h.Count())
	}

	// Double unregister is harmless.
	h.Unregister("c-1")
	if h.Count() != 1 {
		t.Errorf("Expected count unchanged, got %d", h.Count())
	}
}

func TestHub_BindIdentity_Lookups(t *testing.T) {
	h := testHub()
	register(h, "c-1", "web-1.example.com", "host-aaa")

	if c, ok := h.GetByHostname("web-1.example.com"); !ok || c.ID != "c-1" {
		t.Error("Expected lookup by hostname")
	}
	if c, ok := h.GetByHostID("host-aaa"); !ok || c.ID != "c-1" {
		t.Error("Expected lookup by host id")
	}
	if !h.IsConnected("web-1.example.com") {
		t.Error("Expected IsConnected true")
	}
	if h.IsConnected("other.example.com") {
		t.Error("Expected IsConnected false for unknown host")
	}
}

func TestHub_BindIdentity_UnknownConn(t *testing.T) {
	h := testHub()
	if err := h.BindIdentity("ghost", "web-1", "h-1", "Linux"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestHub_HostnameLookupCaseInsensitive(t *testing.T) {
	h := testHub()
	_, fc := register(h, "c-1", "Web-1.Example.COM", "host-aaa")

	if c, ok := h.GetByHostname("web-1.example.com"); !ok || c.ID != "c-1" {
		t.Error("Expected case-insensitive hostname lookup")
	}
	if err := h.SendToHostname("WEB-1.EXAMPLE.COM", pingMsg(t)); err != nil {
		t.Fatalf("SendToHostname failed: %v", err)
	}
	if fc.frameCount() != 1 {
		t.Errorf("Expected 1 frame, got %d", fc.frameCount())
	}
}

func TestHub_BindIdentity_ReplacesCaseVariantDuplicate(t *testing.T) {
	h := testHub()
	_, oldConn := register(h, "c-old", "web-1.example.com", "host-aaa")
	register(h, "c-new", "WEB-1.example.com", "host-aaa")

	if !oldConn.isClosed() {
		t.Error("Expected case-variant duplicate closed")
	}
	if h.Count() != 1 {
		t.Errorf("Expected a single session, count %d", h.Count())
	}
	c, ok := h.GetByHostname("web-1.example.com")
	if !ok || c.ID != "c-new" {
		t.Error("Expected hostname bound to the newer connection")
	}
}

func TestHub_BindIdentity_ReplacesDuplicate(t *testing.T) {
	h := testHub()
	_, oldConn := register(h, "c-old", "web-1.example.com", "host-aaa")
	register(h, "c-new", "web-1.example.com", "host-aaa")

	if !oldConn.isClosed() {
		t.Error("Expected replaced connection closed")
	}
	c, ok := h.GetByHostname("web-1.example.com")
	if !ok || c.ID != "c-new" {
		t.Error("Expected hostname bound to the newer connection")
	}
	if h.Count() != 1 {
		t.Errorf("Expected old connection dropped from registry, count %d", h.Count())
	}
}

func TestHub_Unregister_KeepsNewerBinding(t *testing.T) {
	h := testHub()
	register(h, "c-old", "web-1.example.com", "host-aaa")
	register(h, "c-new", "web-1.example.com", "host-aaa")

	// A late unregister from the replaced session must not remove the
	// newer session's indexes.
	h.Unregister("c-old")
	if _, ok := h.GetByHostname("web-1.example.com"); !ok {
		t.Error("Expected newer binding to survive old session teardown")
	}
}

func TestSendToHostname_Success(t *testing.T) {
	h := testHub()
	_, fc := register(h, "c-1", "web-1.example.com", "")

	if err := h.SendToHostname("web-1.example.com", pingMsg(t)); err != nil {
		t.Fatalf("SendToHostname failed: %v", err)
	}
	if fc.frameCount() != 1 {
		t.Errorf("Expected 1 frame written, got %d", fc.frameCount())
	}

	var envelope map[string]any
	if err := json.Unmarshal(fc.frames[0], &envelope); err != nil {
		t.Fatalf("frame not valid JSON: %v", err)
	}
	if envelope["message_type"] != "ping" {
		t.Errorf("Expected ping frame, got %v", envelope["message_type"])
	}
}

func TestSendToHostname_NotConnected(t *testing.T) {
	h := testHub()
	if err := h.SendToHostname("ghost.example.com", pingMsg(t)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestSendToHostname_TransportErrorEvicts(t *testing.T) {
	h := testHub()
	_, fc := register(h, "c-1", "web-1.example.com", "host-aaa")
	fc.writeErr = &net.OpError{Op: "write", Err: errors.New("broken pipe")}

	err := h.SendToHostname("web-1.example.com", pingMsg(t))
	if err == nil {
		t.Fatal("Expected send error")
	}
	if h.IsConnected("web-1.example.com") {
		t.Error("Expected session evicted after transport error")
	}
	if _, ok := h.GetByHostID("host-aaa"); ok {
		t.Error("Expected host id index cleared")
	}
	if !fc.isClosed() {
		t.Error("Expected underlying socket closed")
	}
}

func TestSendToHostname_SerializationErrorKeepsSession(t *testing.T) {
	h := testHub()
	register(h, "c-1", "web-1.example.com", "")

	bad := &protocol.Message{
		Type: protocol.TypeCommand,
		ID:   "m-1",
		Data: json.RawMessage(`{invalid`),
	}
	err := h.SendToHostname("web-1.example.com", bad)
	if !errors.Is(err, ErrSerialize) {
		t.Fatalf("Expected ErrSerialize, got %v", err)
	}
	if !h.IsConnected("web-1.example.com") {
		t.Error("Expected session kept after serialization error")
	}
}

func TestSendToHostID(t *testing.T) {
	h := testHub()
	_, fc := register(h, "c-1", "web-1.example.com", "host-aaa")

	if err := h.SendToHostID("host-aaa", pingMsg(t)); err != nil {
		t.Fatalf("SendToHostID failed: %v", err)
	}
	if fc.frameCount() != 1 {
		t.Errorf("Expected 1 frame, got %d", fc.frameCount())
	}
	if err := h.SendToHostID("host-zzz", pingMsg(t)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestSendToAgent_ByConnID(t *testing.T) {
	h := testHub()
	_, fc := register(h, "c-1", "", "")

	if err := h.SendToAgent("c-1", pingMsg(t)); err != nil {
		t.Fatalf("SendToAgent failed: %v", err)
	}
	if fc.frameCount() != 1 {
		t.Errorf("Expected 1 frame, got %d", fc.frameCount())
	}
	if err := h.SendToAgent("c-ghost", pingMsg(t)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestBroadcast_EvictsFailedKeepsRest(t *testing.T) {
	h := testHub()
	_, good := register(h, "c-1", "web-1.example.com", "")
	_, bad := register(h, "c-2", "web-2.example.com", "")
	bad.writeErr = &net.OpError{Op: "write", Err: errors.New("connection reset")}

	delivered := h.Broadcast(pingMsg(t))
	if delivered != 1 {
		t.Errorf("Expected 1 delivery, got %d", delivered)
	}
	if good.frameCount() != 1 {
		t.Errorf("Expected healthy conn to receive frame")
	}
	if h.IsConnected("web-2.example.com") {
		t.Error("Expected failed conn evicted")
	}
	if !h.IsConnected("web-1.example.com") {
		t.Error("Expected healthy conn kept")
	}
}

func TestBroadcast_UnencodableMessageKeepsSessions(t *testing.T) {
	h := testHub()
	_, a := register(h, "c-1", "web-1.example.com", "")
	register(h, "c-2", "web-2.example.com", "")

	bad := &protocol.Message{
		Type: protocol.TypeCommand,
		ID:   "m-1",
		Data: json.RawMessage(`{invalid`),
	}
	if delivered := h.Broadcast(bad); delivered != 0 {
		t.Errorf("Expected 0 deliveries, got %d", delivered)
	}
	if h.Count() != 2 {
		t.Errorf("Expected both sessions kept, got %d", h.Count())
	}
	if a.frameCount() != 0 {
		t.Error("Expected no frames written for an unencodable message")
	}
}

func TestBroadcastToPlatform_FiltersByPlatform(t *testing.T) {
	h := testHub()
	_, linux := registerOn(h, "c-1", "web-1.example.com", "", "Linux")
	_, bsd := registerOn(h, "c-2", "bsd-1.example.com", "", "OpenBSD")
	registerOn(h, "c-3", "", "", "") // never sent system_info

	delivered := h.BroadcastToPlatform("linux", pingMsg(t))
	if delivered != 1 {
		t.Errorf("Expected 1 delivery, got %d", delivered)
	}
	if linux.frameCount() != 1 {
		t.Error("Expected Linux agent to receive frame")
	}
	if bsd.frameCount() != 0 {
		t.Error("Expected OpenBSD agent skipped")
	}
}

func TestConnectedAgents_Snapshot(t *testing.T) {
	h := testHub()
	register(h, "c-1", "web-1.example.com", "host-aaa")
	register(h, "c-2", "", "")

	infos := h.ConnectedAgents()
	if len(infos) != 2 {
		t.Fatalf("Expected 2 agents, got %d", len(infos))
	}
	found := false
	for _, info := range infos {
		if info.Hostname == "web-1.example.com" && info.HostID == "host-aaa" {
			found = true
		}
	}
	if !found {
		t.Error("Expected bound identity in snapshot")
	}
}

func TestCloseAll(t *testing.T) {
	h := testHub()
	_, a := register(h, "c-1", "web-1.example.com", "")
	_, b := register(h, "c-2", "web-2.example.com", "")

	h.CloseAll("shutting down")
	if h.Count() != 0 {
		t.Errorf("Expected empty hub, got %d", h.Count())
	}
	if !a.isClosed() || !b.isClosed() {
		t.Error("Expected all sockets closed")
	}
}

func TestShouldEvict_Classification(t *testing.T) {
	if !shouldEvict(&net.OpError{Op: "write", Err: errors.New("reset")}) {
		t.Error("net errors should evict")
	}
	if !shouldEvict(errors.New("use of closed network connection")) {
		t.Error("connection-flavored unknown errors should evict")
	}
	if !shouldEvict(errors.New("i/o timeout")) {
		t.Error("timeout-flavored unknown errors should evict")
	}
	if shouldEvict(errors.New("payload rejected by peer")) {
		t.Error("unrelated errors should not evict")
	}
	if shouldEvict(nil) {
		t.Error("nil error should not evict")
	}
}

func TestClassifySendError(t *testing.T) {
	if got := classifySendError(&net.OpError{Op: "write", Err: errors.New("x")}); got != classTransport {
		t.Errorf("Expected transport class, got %s", got)
	}
	serErr := errors.Join(ErrSerialize)
	if got := classifySendError(serErr); got != classSerialization {
		t.Errorf("Expected serialization class, got %s", got)
	}
	if got := classifySendError(errors.New("weird")); got != classUnknown {
		t.Errorf("Expected unknown class, got %s", got)
	}
	var closeErr error = &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	if got := classifySendError(closeErr); got != classTransport {
		t.Errorf("Expected transport class for close error, got %s", got)
	}
}
