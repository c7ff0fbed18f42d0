// Package integration exercises the control plane end to end: REST auth,
// WebSocket agent sessions, the durable queue, and the processor working
// together against a real database.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bceverly/sysmanage-sub000/internal/auth"
	"github.com/bceverly/sysmanage-sub000/internal/config"
	"github.com/bceverly/sysmanage-sub000/internal/configpush"
	"github.com/bceverly/sysmanage-sub000/internal/dispatch"
	"github.com/bceverly/sysmanage-sub000/internal/processor"
	"github.com/bceverly/sysmanage-sub000/internal/protocol"
	"github.com/bceverly/sysmanage-sub000/internal/queue"
	"github.com/bceverly/sysmanage-sub000/internal/server"
	"github.com/bceverly/sysmanage-sub000/internal/store"
)

const adminToken = "integration-admin-token"

// Fleet is a fully wired control plane running against an in-test database,
// with the processor live and kicked by the server exactly as in production.
type Fleet struct {
	t      *testing.T
	HTTP   *httptest.Server
	Store  *store.Store
	Queue  *queue.Queue
	Hub    *server.Hub
	Auth   *auth.Service
	Config *configpush.Manager

	cancel context.CancelFunc
	done   chan struct{}
}

// StartFleet wires the full stack the way main does and starts the
// processor loop.
func StartFleet(t *testing.T) *Fleet {
	t.Helper()
	log := zerolog.Nop()

	st, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "fleet.db"), log)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	cfg := config.Default()
	cfg.Server.AdminToken = adminToken
	cfg.Auth.TokenSecret = "integration-secret"

	hub := server.NewHub(log)
	q := queue.New(st, log)
	limiter := auth.NewRateLimiter(100, time.Minute)
	authSvc := auth.New([]byte(cfg.Auth.TokenSecret), time.Hour, limiter, log)
	cp := configpush.New(st, hub, nil, log)

	router := dispatch.NewRouter(log)
	dispatch.NewHandlers(st, cp, log).RegisterAll(router)
	proc := processor.New(q, st, router, hub, processor.Options{}, log)

	srv := server.New(server.Deps{
		Config:     cfg,
		Store:      st,
		Queue:      q,
		Hub:        hub,
		Auth:       authSvc,
		ConfigPush: cp,
		Kick:       proc.Kick,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		proc.Run(ctx)
	}()

	httpSrv := httptest.NewServer(srv.Router())

	f := &Fleet{
		t:      t,
		HTTP:   httpSrv,
		Store:  st,
		Queue:  q,
		Hub:    hub,
		Auth:   authSvc,
		Config: cp,
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(f.Close)
	return f
}

// Close stops the processor and tears down the server and database.
func (f *Fleet) Close() {
	f.cancel()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		f.t.Error("processor did not stop")
	}
	f.HTTP.Close()
	_ = f.Store.Close()
}

// AdminDo performs an authenticated admin API request.
func (f *Fleet) AdminDo(method, path string, body any) *http.Response {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			f.t.Fatalf("failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.HTTP.URL+path, &buf)
	if err != nil {
		f.t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.t.Fatalf("admin request failed: %v", err)
	}
	return resp
}

// ApproveHost flips a registered host to approved through the admin API.
func (f *Fleet) ApproveHost(hostID string) {
	f.t.Helper()
	resp := f.AdminDo(http.MethodPost, "/api/hosts/"+hostID+"/approve", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		f.t.Fatalf("approve returned %d", resp.StatusCode)
	}
}

// TestAgent is a scripted agent: it authenticates over REST, keeps a
// WebSocket session, and records every envelope the server sends.
type TestAgent struct {
	t        *testing.T
	Hostname string
	conn     *websocket.Conn

	mu   sync.Mutex
	msgs []*protocol.Message
}

// ConnectAgent runs the production handshake: request a connection token,
// dial the WebSocket, and send system_info.
func ConnectAgent(t *testing.T, f *Fleet, hostname string) *TestAgent {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, f.HTTP.URL+"/agent/auth", nil)
	if err != nil {
		t.Fatalf("failed to build auth request: %v", err)
	}
	req.Header.Set("x-agent-hostname", hostname)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("auth request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auth returned %d", resp.StatusCode)
	}
	var authBody struct {
		ConnectionToken string `json:"connection_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&authBody); err != nil {
		t.Fatalf("failed to decode auth response: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(f.HTTP.URL, "http") + "/api/agent/connect?token=" + authBody.ConnectionToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}

	a := &TestAgent{t: t, Hostname: hostname, conn: conn}
	go a.readLoop()
	t.Cleanup(a.Close)

	a.Send(protocol.TypeSystemInfo, protocol.SystemInfo{
		Hostname:     hostname,
		Platform:     "Linux",
		AgentVersion: "integration",
	})
	return a
}

func (a *TestAgent) readLoop() {
	for {
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Parse(raw)
		if err != nil {
			continue
		}
		a.mu.Lock()
		a.msgs = append(a.msgs, msg)
		a.mu.Unlock()
	}
}

// Send writes one envelope to the server and returns it.
func (a *TestAgent) Send(msgType protocol.MessageType, data any) *protocol.Message {
	a.t.Helper()
	msg, err := protocol.NewMessage(msgType, data)
	if err != nil {
		a.t.Fatalf("failed to build %s message: %v", msgType, err)
	}
	frame, err := msg.Encode()
	if err != nil {
		a.t.Fatalf("failed to encode %s message: %v", msgType, err)
	}
	if err := a.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		a.t.Fatalf("failed to send %s message: %v", msgType, err)
	}
	return msg
}

// WaitForMessage blocks until the server has sent a message of the given
// type, returning the first match.
func (a *TestAgent) WaitForMessage(ctx context.Context, msgType protocol.MessageType) (*protocol.Message, error) {
	for {
		a.mu.Lock()
		for _, msg := range a.msgs {
			if msg.Type == msgType {
				a.mu.Unlock()
				return msg, nil
			}
		}
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no %s message received: %w", msgType, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close tears down the WebSocket session.
func (a *TestAgent) Close() {
	_ = a.conn.Close()
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, deadline time.Duration, what string, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
