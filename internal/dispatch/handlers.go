package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bceverly/sysmanage-sub000/internal/protocol"
	"github.com/bceverly/sysmanage-sub000/internal/store"
)

// HostStore is the persistence surface the built-in handlers need.
type HostStore interface {
	UpsertFromSystemInfo(info *protocol.SystemInfo) (*store.Host, error)
	TouchHost(fqdn string, at time.Time) error
	RenameHost(hostID, newFQDN string) error
	SaveCommandResult(r *store.CommandResultRecord) error
	SaveHostSnapshot(hostID, kind string, data json.RawMessage) error
	LogEvent(category, level, hostID, action, message string, details map[string]any)
}

// ConfigAcker consumes config acknowledgements from agents.
type ConfigAcker interface {
	Acknowledge(hostname string, ack *protocol.ConfigAcknowledgment) error
}

// Snapshot kinds per telemetry message type. Each of these carries the full
// latest state for its concern, so the newest document simply replaces the
// previous one.
var snapshotKinds = map[protocol.MessageType]string{
	protocol.TypeOSVersionUpdate:            "os_version",
	protocol.TypeHardwareUpdate:             "hardware",
	protocol.TypeUserAccessUpdate:           "user_access",
	protocol.TypeSoftwareInventoryUpdate:    "software_inventory",
	protocol.TypePackageUpdatesUpdate:       "package_updates",
	protocol.TypeRebootStatusUpdate:         "reboot_status",
	protocol.TypeHostCertificatesUpdate:     "certificates",
	protocol.TypeRoleData:                   "roles",
	protocol.TypeThirdPartyRepositoryUpdate: "third_party_repositories",
	protocol.TypeAntivirusStatusUpdate:      "antivirus_status",
	protocol.TypeCommercialAntivirusStatus:  "commercial_antivirus_status",
	protocol.TypeFirewallStatusUpdate:       "firewall_status",
	protocol.TypeGraylogStatusUpdate:        "graylog_status",
	protocol.TypeVirtualizationUpdate:       "virtualization",
	protocol.TypeChildHostListUpdate:        "child_hosts",
}

// Progress notifications that only need an audit trail entry.
var auditOnlyTypes = []protocol.MessageType{
	protocol.TypeChildHostCreationProgress,
	protocol.TypeChildHostCreated,
	protocol.TypeAvailablePackagesBatchStart,
	protocol.TypeAvailablePackagesBatch,
	protocol.TypeAvailablePackagesBatchEnd,
}

// Handlers bundles the collaborators behind the built-in handler set.
type Handlers struct {
	log    zerolog.Logger
	hosts  HostStore
	config ConfigAcker
}

func NewHandlers(hosts HostStore, config ConfigAcker, log zerolog.Logger) *Handlers {
	return &Handlers{
		log:    log.With().Str("component", "handlers").Logger(),
		hosts:  hosts,
		config: config,
	}
}

// RegisterAll installs a handler for every inbound message type.
func (h *Handlers) RegisterAll(r *Router) {
	r.Register(protocol.TypeSystemInfo, h.handleSystemInfo)
	r.Register(protocol.TypeHeartbeat, h.handleHeartbeat)
	r.Register(protocol.TypeCommandResult, h.handleCommandResult)
	r.Register(protocol.TypeScriptExecutionResult, h.handleScriptResult)
	r.Register(protocol.TypeError, h.handleAgentError)
	r.Register(protocol.TypeConfigAcknowledgment, h.handleConfigAck)
	r.Register(protocol.TypeUpdateApplyResult, h.handleUpdateApplyResult)
	r.Register(protocol.TypeDiagnosticCollectionResult, h.handleDiagnosticResult)
	r.Register(protocol.TypeHostnameChanged, h.handleHostnameChanged)

	for msgType, kind := range snapshotKinds {
		r.Register(msgType, h.snapshotHandler(kind))
	}
	for _, msgType := range auditOnlyTypes {
		r.Register(msgType, h.handleAuditOnly)
	}
}

func (h *Handlers) handleSystemInfo(ctx context.Context, host *store.Host, msg *protocol.Message) error {
	var info protocol.SystemInfo
	if err := msg.ParseData(&info); err != nil {
		return err
	}
	if info.Hostname == "" {
		return errors.New("system_info without hostname")
	}
	if _, err := h.hosts.UpsertFromSystemInfo(&info); err != nil {
		return err
	}
	return nil
}

func (h *Handlers) handleHeartbeat(ctx context.Context, host *store.Host, msg *protocol.Message) error {
	var hb protocol.Heartbeat
	if err := msg.ParseData(&hb); err != nil {
		return err
	}
	fqdn := hb.Hostname
	if fqdn == "" && host != nil {
		fqdn = host.FQDN
	}
	if fqdn == "" {
		return errors.New("heartbeat without hostname")
	}
	return h.hosts.TouchHost(fqdn, time.Now().UTC())
}

func (h *Handlers) handleCommandResult(ctx context.Context, host *store.Host, msg *protocol.Message) error {
	var res protocol.CommandResult
	if err := msg.ParseData(&res); err != nil {
		return err
	}
	id := res.CommandID
	if id == "" {
		id = msg.ID
	}
	exitCode := res.ExitCode
	rec := &store.CommandResultRecord{
		ID:       id,
		Kind:     store.ResultKindCommand,
		Success:  res.Success,
		ExitCode: &exitCode,
		Output:   res.Output,
		Error:    res.Error,
	}
	if host != nil {
		rec.HostID = host.ID
	}
	if err := h.hosts.SaveCommandResult(rec); err != nil {
		return err
	}
	h.hosts.LogEvent("command", resultLevel(res.Success), rec.HostID, "command_result",
		fmt.Sprintf("command %s finished", id),
		map[string]any{"success": res.Success, "exit_code": res.ExitCode})
	return nil
}

func (h *Handlers) handleScriptResult(ctx context.Context, host *store.Host, msg *protocol.Message) error {
	var res protocol.ScriptExecutionResult
	if err := msg.ParseData(&res); err != nil {
		return err
	}
	id := res.ExecutionID
	if id == "" {
		id = msg.ID
	}
	errText := res.Error
	if errText == "" && !res.Success {
		errText = res.Stderr
	}
	exitCode := res.ExitCode
	rec := &store.CommandResultRecord{
		ID:       id,
		Kind:     store.ResultKindScript,
		Success:  res.Success,
		ExitCode: &exitCode,
		Output:   res.Stdout,
		Error:    errText,
	}
	if host != nil {
		rec.HostID = host.ID
	}
	if err := h.hosts.SaveCommandResult(rec); err != nil {
		return err
	}
	h.hosts.LogEvent("script", resultLevel(res.Success), rec.HostID, "script_execution_result",
		fmt.Sprintf("script %s finished", id),
		map[string]any{"success": res.Success, "exit_code": res.ExitCode, "script_name": res.ScriptName})
	return nil
}

func (h *Handlers) handleAgentError(ctx context.Context, host *store.Host, msg *protocol.Message) error {
	var report protocol.ErrorData
	if err := msg.ParseData(&report); err != nil {
		return err
	}
	hostID := ""
	if host != nil {
		hostID = host.ID
	}
	h.log.Warn().Str("host_id", hostID).Str("error_type", report.ErrorType).Str("message", report.Message).Msg("agent reported error")
	h.hosts.LogEvent("agent", "error", hostID, "agent_error", report.Message,
		map[string]any{"error_type": report.ErrorType, "details": report.Details})
	return nil
}

func (h *Handlers) handleConfigAck(ctx context.Context, host *store.Host, msg *protocol.Message) error {
	var ack protocol.ConfigAcknowledgment
	if err := msg.ParseData(&ack); err != nil {
		return err
	}
	hostname := ack.Hostname
	if hostname == "" && host != nil {
		hostname = host.FQDN
	}
	if hostname == "" {
		return errors.New("config acknowledgment without hostname")
	}
	return h.config.Acknowledge(hostname, &ack)
}

func (h *Handlers) handleUpdateApplyResult(ctx context.Context, host *store.Host, msg *protocol.Message) error {
	var res struct {
		RequestID string `json:"request_id"`
		Success   bool   `json:"success"`
		Error     string `json:"error"`
	}
	if err := msg.ParseData(&res); err != nil {
		return err
	}
	id := res.RequestID
	if id == "" {
		id = msg.ID
	}
	rec := &store.CommandResultRecord{
		ID:      id,
		Kind:    store.ResultKindUpdateApply,
		Success: res.Success,
		Output:  string(msg.Data),
		Error:   res.Error,
	}
	if host != nil {
		rec.HostID = host.ID
	}
	if err := h.hosts.SaveCommandResult(rec); err != nil {
		return err
	}
	h.hosts.LogEvent("updates", resultLevel(res.Success), rec.HostID, "update_apply_result",
		fmt.Sprintf("update run %s finished", id), map[string]any{"success": res.Success})
	return nil
}

func (h *Handlers) handleDiagnosticResult(ctx context.Context, host *store.Host, msg *protocol.Message) error {
	var res struct {
		CollectionID string `json:"collection_id"`
		Success      bool   `json:"success"`
		Error        string `json:"error"`
	}
	if err := msg.ParseData(&res); err != nil {
		return err
	}
	id := res.CollectionID
	if id == "" {
		id = msg.ID
	}
	rec := &store.CommandResultRecord{
		ID:      id,
		Kind:    store.ResultKindDiagnostic,
		Success: res.Success,
		Output:  string(msg.Data),
		Error:   res.Error,
	}
	if host != nil {
		rec.HostID = host.ID
	}
	if err := h.hosts.SaveCommandResult(rec); err != nil {
		return err
	}
	h.hosts.LogEvent("diagnostics", resultLevel(res.Success), rec.HostID, "diagnostic_collection_result",
		fmt.Sprintf("diagnostic collection %s finished", id), map[string]any{"success": res.Success})
	return nil
}

func (h *Handlers) handleHostnameChanged(ctx context.Context, host *store.Host, msg *protocol.Message) error {
	var change struct {
		OldHostname string `json:"old_hostname"`
		NewHostname string `json:"new_hostname"`
	}
	if err := msg.ParseData(&change); err != nil {
		return err
	}
	if host == nil {
		return errors.New("hostname change without host")
	}
	if change.NewHostname == "" {
		return errors.New("hostname change without new hostname")
	}
	if err := h.hosts.RenameHost(host.ID, change.NewHostname); err != nil {
		return err
	}
	h.hosts.LogEvent("host", "info", host.ID, "hostname_changed",
		fmt.Sprintf("hostname changed to %s", change.NewHostname),
		map[string]any{"old_hostname": change.OldHostname, "new_hostname": change.NewHostname})
	return nil
}

// snapshotHandler stores the message body as the latest document of the
// given kind for the host.
func (h *Handlers) snapshotHandler(kind string) HandlerFunc {
	return func(ctx context.Context, host *store.Host, msg *protocol.Message) error {
		if host == nil {
			return fmt.Errorf("%s snapshot without host", kind)
		}
		data := msg.Data
		if len(data) == 0 {
			data = json.RawMessage(`{}`)
		}
		if err := h.hosts.SaveHostSnapshot(host.ID, kind, data); err != nil {
			return err
		}
		h.log.Debug().Str("hostname", host.FQDN).Str("kind", kind).Msg("host snapshot updated")
		return nil
	}
}

func (h *Handlers) handleAuditOnly(ctx context.Context, host *store.Host, msg *protocol.Message) error {
	hostID := ""
	if host != nil {
		hostID = host.ID
	}
	h.hosts.LogEvent("agent", "info", hostID, string(msg.Type), fmt.Sprintf("received %s", msg.Type), nil)
	return nil
}

func resultLevel(success bool) string {
	if success {
		return "info"
	}
	return "warning"
}
