package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bceverly/sysmanage-sub000/internal/auth"
	"github.com/bceverly/sysmanage-sub000/internal/protocol"
	"github.com/bceverly/sysmanage-sub000/internal/queue"
)

// Close codes sent to agents during the handshake. Agents distinguish a
// missing credential from a rejected one so they know whether to retry the
// auth endpoint first.
const (
	CloseMissingToken = 4000
	CloseInvalidToken = 4001
)

// checkOrigin admits browserless agents (no Origin header) always, and
// browser clients only from the configured origins. An empty allowlist
// admits everyone.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.Server.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// bearerToken pulls the connection token from the Authorization header or,
// for clients that cannot set headers on a WebSocket dial, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// handleAgentConnect upgrades the agent connection. The upgrade happens
// before token validation so a rejection can carry a close code in the 4000
// range; plain HTTP errors are invisible to most WebSocket clients.
func (s *Server) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	ip := clientIP(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("ip", ip).Msg("websocket upgrade failed")
		return
	}

	if token == "" {
		s.log.Warn().Str("ip", ip).Msg("websocket rejected: no token")
		rejectUpgrade(conn, CloseMissingToken, "Authentication token required")
		return
	}

	claims, err := s.auth.ValidateToken(token, ip)
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, auth.ErrExpiredToken) {
			reason = "token expired"
		}
		s.log.Warn().Err(err).Str("ip", ip).Msg("websocket rejected: " + reason)
		rejectUpgrade(conn, CloseInvalidToken, reason)
		return
	}

	agent := newAgentConnection(uuid.NewString(), ip, conn)
	s.hub.Register(agent)
	s.log.Info().
		Str("conn_id", agent.ID).
		Str("ip", ip).
		Str("token_hostname", claims.Hostname).
		Msg("agent connected, awaiting system info")

	s.readPump(agent, conn)
}

// rejectUpgrade closes a just-upgraded socket with an application close code.
func rejectUpgrade(conn *websocket.Conn, code int, reason string) {
	frame := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
	_ = conn.Close()
}

// readPump owns the connection's read side until the agent disconnects. The
// agent must deliver system_info within the handshake window; until then the
// read deadline is the handshake deadline and pongs do not extend it.
func (s *Server) readPump(agent *AgentConnection, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.hub.Unregister(agent.ID)
		_ = conn.Close()
	}()

	go s.pingLoop(ctx, agent)

	bound := false
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout()))
	conn.SetPongHandler(func(string) error {
		if bound {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !bound {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					agent.CloseWithCode(websocket.ClosePolicyViolation, "registration timeout")
					s.log.Warn().Str("conn_id", agent.ID).Str("ip", agent.RemoteIP).
						Msg("agent closed: no system info within handshake window")
					return
				}
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn().Err(err).Str("conn_id", agent.ID).Str("hostname", agent.Hostname).
					Msg("agent connection dropped")
			} else {
				s.log.Debug().Str("conn_id", agent.ID).Str("hostname", agent.Hostname).
					Msg("agent disconnected")
			}
			return
		}

		env, err := protocol.Parse(raw)
		if err != nil {
			s.log.Warn().Err(err).Str("conn_id", agent.ID).Msg("unparseable agent message")
			s.sendError(agent, "invalid_message", err.Error())
			continue
		}

		switch env.Type {
		case protocol.TypeSystemInfo:
			if s.handleInlineSystemInfo(agent, env) && !bound {
				bound = true
				_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			}
		case protocol.TypeHeartbeat:
			s.handleInlineHeartbeat(agent, env)
		default:
			s.enqueueInbound(agent, env)
		}
	}
}

// handleInlineSystemInfo registers or refreshes the host record and binds
// the session to it. Unapproved hosts stay connected but are told their
// status; approved hosts get their pending config and queued work.
func (s *Server) handleInlineSystemInfo(agent *AgentConnection, env *protocol.Message) bool {
	var info protocol.SystemInfo
	if err := env.ParseData(&info); err != nil {
		s.sendError(agent, "invalid_system_info", err.Error())
		return false
	}
	if info.Hostname == "" {
		s.sendError(agent, "invalid_system_info", "hostname is required")
		return false
	}

	host, err := s.st.UpsertFromSystemInfo(&info)
	if err != nil {
		s.log.Error().Err(err).Str("hostname", info.Hostname).Msg("host registration failed")
		s.sendError(agent, "registration_failed", "could not persist host record")
		return false
	}
	if err := s.hub.BindIdentity(agent.ID, host.FQDN, host.ID, host.Platform); err != nil {
		s.log.Error().Err(err).Str("conn_id", agent.ID).Msg("identity bind failed")
		return false
	}

	s.st.LogEvent("agent", "info", host.ID, "agent_registered", "agent session established",
		map[string]any{"fqdn": host.FQDN, "ip": agent.RemoteIP, "agent_version": info.AgentVersion})
	s.log.Info().
		Str("conn_id", agent.ID).
		Str("fqdn", host.FQDN).
		Str("approval", host.ApprovalStatus).
		Msg("agent registered")

	s.notifyApprovalStatus(host.ID, host.Approved(), host.ApprovalStatus)

	if host.Approved() {
		if n, err := s.config.DeliverPending(host.FQDN); err != nil {
			s.log.Warn().Err(err).Str("fqdn", host.FQDN).Msg("pending config delivery interrupted")
		} else if n > 0 {
			s.log.Info().Str("fqdn", host.FQDN).Int("delivered", n).Msg("delivered pending config")
		}
		s.kick()
	}
	return true
}

// handleInlineHeartbeat refreshes liveness and acks the heartbeat so the
// agent can detect a half-open connection.
func (s *Server) handleInlineHeartbeat(agent *AgentConnection, env *protocol.Message) {
	var hb protocol.Heartbeat
	_ = env.ParseData(&hb)

	hostname := hb.Hostname
	if hostname == "" {
		hostname = agent.Hostname
	}
	if hostname != "" {
		if err := s.st.TouchHost(hostname, time.Now().UTC()); err != nil {
			s.log.Debug().Err(err).Str("hostname", hostname).Msg("heartbeat for unknown host")
		}
	}

	ack, err := protocol.NewAck(env.ID)
	if err != nil {
		return
	}
	if err := agent.WriteEnvelope(ack); err != nil {
		s.log.Debug().Err(err).Str("conn_id", agent.ID).Msg("heartbeat ack not delivered")
	}
}

// enqueueInbound persists the message for the processor. Messages arriving
// before the session is bound carry their connection details so the
// processor can resolve the host later. Unknown types are enqueued as-is
// and fail in routing; only server-to-agent types are rejected here.
func (s *Server) enqueueInbound(agent *AgentConnection, env *protocol.Message) {
	if env.Type.Outbound() {
		s.log.Warn().Str("conn_id", agent.ID).Str("type", string(env.Type)).
			Msg("rejecting server-bound message type from agent")
		s.sendError(agent, "unsupported_message_type", string(env.Type))
		return
	}

	if agent.HostID == "" {
		info := protocol.ConnectionInfo{Hostname: agent.Hostname, RemoteIP: agent.RemoteIP}
		if err := env.AttachConnectionInfo(info); err != nil {
			s.log.Warn().Err(err).Str("conn_id", agent.ID).Msg("could not attach connection info")
		}
	}

	frame, err := env.Encode()
	if err != nil {
		s.sendError(agent, "invalid_message", err.Error())
		return
	}

	if _, err := s.q.Enqueue(&queue.Message{
		ID:        env.ID,
		HostID:    agent.HostID,
		Direction: protocol.DirectionInbound,
		Type:      env.Type,
		Data:      frame,
	}); err != nil {
		s.log.Error().Err(err).Str("type", string(env.Type)).Msg("inbound enqueue failed")
		s.sendError(agent, "enqueue_failed", "message not accepted")
		return
	}
	s.kick()
}

func (s *Server) sendError(agent *AgentConnection, errType, detail string) {
	msg, err := protocol.NewErrorMessage(errType, detail)
	if err != nil {
		return
	}
	_ = agent.WriteEnvelope(msg)
}

// pingLoop keeps the connection alive until the read pump exits.
func (s *Server) pingLoop(ctx context.Context, agent *AgentConnection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := agent.Ping(); err != nil {
				return
			}
		}
	}
}
