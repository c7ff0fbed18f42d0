package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/bceverly/sysmanage-sub000/internal/auth"
	"github.com/bceverly/sysmanage-sub000/internal/protocol"
	"github.com/bceverly/sysmanage-sub000/internal/queue"
	"github.com/bceverly/sysmanage-sub000/internal/store"
)

// handleAgentAuth issues a short-lived connection token. Agents call this
// before opening the WebSocket; issuance is rate limited per source IP. The
// hostname header is a hint only, so agents without it fall back to their
// source IP and are identified properly once system_info arrives.
func (s *Server) handleAgentAuth(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	hostname := r.Header.Get("x-agent-hostname")
	if hostname == "" {
		hostname = ip
	}

	token, err := s.auth.IssueToken(hostname, ip)
	if err != nil {
		if errors.Is(err, auth.ErrRateLimited) {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":       "rate limit exceeded",
				"retry_after": int(s.auth.RetryAfter(ip).Seconds()),
			})
			return
		}
		s.log.Error().Err(err).Str("hostname", hostname).Msg("token issuance failed")
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connection_token":   token,
		"expires_in":         int(s.auth.TokenTTL().Seconds()),
		"websocket_endpoint": "/api/agent/connect",
	})
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.st.ListHosts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list hosts")
		return
	}

	type hostView struct {
		*store.Host
		Connected bool `json:"connected"`
	}
	views := make([]hostView, 0, len(hosts))
	for _, h := range hosts {
		views = append(views, hostView{Host: h, Connected: s.hub.HasHostID(h.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hosts": views})
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	host, ok := s.lookupHost(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"host":      host,
		"connected": s.hub.HasHostID(host.ID),
	})
}

// handleApproveHost flips the host to approved and, if the agent is online,
// tells it so immediately. Offline agents learn on their next registration.
func (s *Server) handleApproveHost(w http.ResponseWriter, r *http.Request) {
	host, ok := s.lookupHost(w, r)
	if !ok {
		return
	}

	if err := s.st.SetApproval(host.ID, store.ApprovalApproved); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update approval")
		return
	}
	s.st.LogEvent("host", "info", host.ID, "host_approved", "host approved via admin API", nil)

	if s.hub.HasHostID(host.ID) {
		s.notifyApprovalStatus(host.ID, true, store.ApprovalApproved)
		if n, err := s.config.DeliverPending(host.FQDN); err == nil && n > 0 {
			s.log.Info().Str("fqdn", host.FQDN).Int("delivered", n).Msg("delivered pending config after approval")
		}
		s.kick()
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": store.ApprovalApproved})
}

func (s *Server) handleRevokeHost(w http.ResponseWriter, r *http.Request) {
	host, ok := s.lookupHost(w, r)
	if !ok {
		return
	}

	if err := s.st.SetApproval(host.ID, store.ApprovalRevoked); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update approval")
		return
	}
	s.st.LogEvent("host", "warning", host.ID, "host_revoked", "host approval revoked via admin API", nil)

	if s.hub.HasHostID(host.ID) {
		s.notifyApprovalStatus(host.ID, false, store.ApprovalRevoked)
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": store.ApprovalRevoked})
}

// handleDeleteHost removes the host, its queue backlog, and closes any live
// session.
func (s *Server) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	host, ok := s.lookupHost(w, r)
	if !ok {
		return
	}

	dropped, err := s.q.DeleteForHost(host.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to drop queued messages")
		return
	}
	if err := s.st.DeleteHost(host.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete host")
		return
	}
	if agent, nowOK := s.hub.GetByHostID(host.ID); nowOK {
		agent.CloseWithCode(websocket.CloseNormalClosure, "host deleted")
		s.hub.Unregister(agent.ID)
	}
	s.st.LogEvent("host", "warning", host.ID, "host_deleted", "host deleted via admin API",
		map[string]any{"dropped_messages": dropped})

	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "dropped_messages": dropped})
}

// handleEnqueueCommand queues an outbound command for a host. Delivery
// happens on the next processor sweep once the agent is connected.
func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	host, ok := s.lookupHost(w, r)
	if !ok {
		return
	}

	var req struct {
		CommandType string         `json:"command_type"`
		Parameters  map[string]any `json:"parameters"`
		Priority    string         `json:"priority"`
		Timeout     int            `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cmdType := protocol.CommandType(req.CommandType)
	if !cmdType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown command type")
		return
	}
	priority := protocol.PriorityNormal
	if req.Priority != "" {
		priority = protocol.Priority(req.Priority)
		if !priority.Valid() {
			writeError(w, http.StatusBadRequest, "unknown priority")
			return
		}
	}

	envMsg, err := protocol.NewCommandMessage(cmdType, req.Parameters, req.Timeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build command")
		return
	}
	frame, err := envMsg.Encode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode command")
		return
	}

	id, err := s.q.Enqueue(&queue.Message{
		ID:        envMsg.ID,
		HostID:    host.ID,
		Direction: protocol.DirectionOutbound,
		Type:      protocol.TypeCommand,
		Priority:  priority,
		Data:      frame,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue command")
		return
	}
	s.kick()

	writeJSON(w, http.StatusAccepted, map[string]any{"message_id": id})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	host, ok := s.lookupHost(w, r)
	if !ok {
		return
	}
	kind := chi.URLParam(r, "kind")

	data, collectedAt, err := s.st.GetHostSnapshot(host.ID, kind)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "snapshot not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"host_id":      host.ID,
		"kind":         kind,
		"collected_at": collectedAt,
		"data":         json.RawMessage(data),
	})
}

// handlePushConfig versions and pushes a configuration document to a host.
func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	host, ok := s.lookupHost(w, r)
	if !ok {
		return
	}

	var cfg map[string]any
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(cfg) == 0 {
		writeError(w, http.StatusBadRequest, "empty configuration")
		return
	}

	version, err := s.config.Push(host.FQDN, cfg)
	if err != nil {
		s.log.Error().Err(err).Str("fqdn", host.FQDN).Msg("config push failed")
		writeError(w, http.StatusInternalServerError, "config push failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"version":  version.Version,
		"checksum": version.Checksum,
	})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "resultID")
	result, err := s.st.GetCommandResult(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "result not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load result")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handlePushConfigFleet pushes one configuration document to many hosts at
// once: the whole approved fleet, or one platform's slice of it.
func (s *Server) handlePushConfigFleet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Platform string         `json:"platform"`
		Config   map[string]any `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Config) == 0 {
		writeError(w, http.StatusBadRequest, "empty configuration")
		return
	}

	if req.Platform != "" {
		pushed, err := s.config.PushByPlatform(req.Platform, req.Config)
		if err != nil {
			s.log.Error().Err(err).Str("platform", req.Platform).Msg("platform config push failed")
			writeError(w, http.StatusInternalServerError, "config push failed")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"platform": req.Platform, "pushed": pushed})
		return
	}

	results, err := s.config.PushToAll(req.Config)
	if err != nil {
		s.log.Error().Err(err).Msg("fleet config push failed")
		writeError(w, http.StatusInternalServerError, "config push failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

// handlePingAgents broadcasts a ping to connected agents, optionally scoped
// to one platform. The reply counts live deliveries, so it doubles as a
// reachability probe for the fleet.
func (s *Server) handlePingAgents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := protocol.NewMessage(protocol.TypePing, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build ping")
		return
	}

	var delivered int
	if req.Platform != "" {
		delivered = s.hub.BroadcastToPlatform(req.Platform, msg)
	} else {
		delivered = s.hub.Broadcast(msg)
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.q.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDeleteFailed purges failed or expired queue rows by id. Rows still
// live are left alone, so a stale id list cannot lose real work.
func (s *Server) handleDeleteFailed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.MessageIDs) == 0 {
		writeError(w, http.StatusBadRequest, "message_ids is required")
		return
	}

	deleted, err := s.q.DeleteFailed(req.MessageIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := s.st.RecentEvents(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// lookupHost resolves the hostID route parameter, writing a 404 on miss.
func (s *Server) lookupHost(w http.ResponseWriter, r *http.Request) (*store.Host, bool) {
	id := chi.URLParam(r, "hostID")
	host, err := s.st.GetHost(id)
	if err != nil {
		if errors.Is(err, store.ErrHostNotFound) {
			writeError(w, http.StatusNotFound, "host not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "failed to load host")
		return nil, false
	}
	return host, true
}

// notifyApprovalStatus sends a host_approved envelope to a connected agent.
func (s *Server) notifyApprovalStatus(hostID string, approved bool, status string) {
	msg, err := protocol.NewMessage(protocol.TypeHostApproved, protocol.HostApprovedData{
		Approved:       approved,
		ApprovalStatus: status,
		HostID:         hostID,
	})
	if err != nil {
		return
	}
	if err := s.hub.SendToHostID(hostID, msg); err != nil {
		s.log.Warn().Err(err).Str("host_id", hostID).Msg("approval notification not delivered")
	}
}
