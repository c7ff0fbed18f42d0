package protocol

// MessageType identifies the kind of payload carried by a Message.
type MessageType string

// Message types (agent → server)
const (
	TypeSystemInfo            MessageType = "system_info"
	TypeHeartbeat             MessageType = "heartbeat"
	TypeCommandResult         MessageType = "command_result"
	TypeScriptExecutionResult MessageType = "script_execution_result"
	TypeError                 MessageType = "error"

	TypeOSVersionUpdate             MessageType = "os_version_update"
	TypeHardwareUpdate              MessageType = "hardware_update"
	TypeUserAccessUpdate            MessageType = "user_access_update"
	TypeSoftwareInventoryUpdate     MessageType = "software_inventory_update"
	TypePackageUpdatesUpdate        MessageType = "package_updates_update"
	TypeUpdateApplyResult           MessageType = "update_apply_result"
	TypeRebootStatusUpdate          MessageType = "reboot_status_update"
	TypeDiagnosticCollectionResult  MessageType = "diagnostic_collection_result"
	TypeHostCertificatesUpdate      MessageType = "host_certificates_update"
	TypeRoleData                    MessageType = "role_data"
	TypeThirdPartyRepositoryUpdate  MessageType = "third_party_repository_update"
	TypeAntivirusStatusUpdate       MessageType = "antivirus_status_update"
	TypeCommercialAntivirusStatus   MessageType = "commercial_antivirus_status_update"
	TypeFirewallStatusUpdate        MessageType = "firewall_status_update"
	TypeGraylogStatusUpdate         MessageType = "graylog_status_update"
	TypeHostnameChanged             MessageType = "hostname_changed"
	TypeVirtualizationUpdate        MessageType = "virtualization_support_update"
	TypeChildHostListUpdate         MessageType = "child_host_list_update"
	TypeChildHostCreationProgress   MessageType = "child_host_creation_progress"
	TypeChildHostCreated            MessageType = "child_host_created"
	TypeAvailablePackagesBatchStart MessageType = "available_packages_batch_start"
	TypeAvailablePackagesBatch      MessageType = "available_packages_batch"
	TypeAvailablePackagesBatchEnd   MessageType = "available_packages_batch_end"
	TypeConfigAcknowledgment        MessageType = "config_acknowledgment"
)

// Message types (server → agent)
const (
	TypeCommand       MessageType = "command"
	TypeUpdateRequest MessageType = "update_request"
	TypePing          MessageType = "ping"
	TypeShutdown      MessageType = "shutdown"
	TypeHostApproved  MessageType = "host_approved"
	TypeConfigUpdate  MessageType = "config_update"
	TypeAck           MessageType = "ack"
)

var inboundTypes = map[MessageType]bool{
	TypeSystemInfo:                  true,
	TypeHeartbeat:                   true,
	TypeCommandResult:               true,
	TypeScriptExecutionResult:       true,
	TypeError:                       true,
	TypeOSVersionUpdate:             true,
	TypeHardwareUpdate:              true,
	TypeUserAccessUpdate:            true,
	TypeSoftwareInventoryUpdate:     true,
	TypePackageUpdatesUpdate:        true,
	TypeUpdateApplyResult:           true,
	TypeRebootStatusUpdate:          true,
	TypeDiagnosticCollectionResult:  true,
	TypeHostCertificatesUpdate:      true,
	TypeRoleData:                    true,
	TypeThirdPartyRepositoryUpdate:  true,
	TypeAntivirusStatusUpdate:       true,
	TypeCommercialAntivirusStatus:   true,
	TypeFirewallStatusUpdate:        true,
	TypeGraylogStatusUpdate:         true,
	TypeHostnameChanged:             true,
	TypeVirtualizationUpdate:        true,
	TypeChildHostListUpdate:         true,
	TypeChildHostCreationProgress:   true,
	TypeChildHostCreated:            true,
	TypeAvailablePackagesBatchStart: true,
	TypeAvailablePackagesBatch:      true,
	TypeAvailablePackagesBatchEnd:   true,
	TypeConfigAcknowledgment:        true,
}

var outboundTypes = map[MessageType]bool{
	TypeCommand:       true,
	TypeUpdateRequest: true,
	TypePing:          true,
	TypeShutdown:      true,
	TypeHostApproved:  true,
	TypeConfigUpdate:  true,
	TypeAck:           true,
}

// Valid reports whether t is a known message type in either direction.
func (t MessageType) Valid() bool {
	return inboundTypes[t] || outboundTypes[t]
}

// Inbound reports whether t travels agent → server.
func (t MessageType) Inbound() bool { return inboundTypes[t] }

// Outbound reports whether t travels server → agent.
func (t MessageType) Outbound() bool { return outboundTypes[t] }

// CommandType identifies the operation requested by a COMMAND message.
type CommandType string

// Command types
const (
	CmdExecuteShell       CommandType = "execute_shell"
	CmdExecuteScript      CommandType = "execute_script"
	CmdGetSystemInfo      CommandType = "get_system_info"
	CmdInstallPackage     CommandType = "install_package"
	CmdUpdateSystem       CommandType = "update_system"
	CmdApplyUpdates       CommandType = "apply_updates"
	CmdRestartService     CommandType = "restart_service"
	CmdRebootSystem       CommandType = "reboot_system"
	CmdCheckRebootStatus  CommandType = "check_reboot_status"
	CmdCollectDiagnostics CommandType = "collect_diagnostics"

	CmdUbuntuProAttach         CommandType = "ubuntu_pro_attach"
	CmdUbuntuProDetach         CommandType = "ubuntu_pro_detach"
	CmdUbuntuProEnableService  CommandType = "ubuntu_pro_enable_service"
	CmdUbuntuProDisableService CommandType = "ubuntu_pro_disable_service"

	CmdDeployOpenTelemetry CommandType = "deploy_opentelemetry"
	CmdRemoveOpenTelemetry CommandType = "remove_opentelemetry"
	CmdDeployGraylog       CommandType = "deploy_graylog"
	CmdRemoveGraylog       CommandType = "remove_graylog"

	CmdListThirdPartyRepos    CommandType = "list_third_party_repositories"
	CmdAddThirdPartyRepo      CommandType = "add_third_party_repository"
	CmdDeleteThirdPartyRepos  CommandType = "delete_third_party_repositories"
	CmdEnableThirdPartyRepos  CommandType = "enable_third_party_repositories"
	CmdDisableThirdPartyRepos CommandType = "disable_third_party_repositories"
)

var commandTypes = map[CommandType]bool{
	CmdExecuteShell:            true,
	CmdExecuteScript:           true,
	CmdGetSystemInfo:           true,
	CmdInstallPackage:          true,
	CmdUpdateSystem:            true,
	CmdApplyUpdates:            true,
	CmdRestartService:          true,
	CmdRebootSystem:            true,
	CmdCheckRebootStatus:       true,
	CmdCollectDiagnostics:      true,
	CmdUbuntuProAttach:         true,
	CmdUbuntuProDetach:         true,
	CmdUbuntuProEnableService:  true,
	CmdUbuntuProDisableService: true,
	CmdDeployOpenTelemetry:     true,
	CmdRemoveOpenTelemetry:     true,
	CmdDeployGraylog:           true,
	CmdRemoveGraylog:           true,
	CmdListThirdPartyRepos:     true,
	CmdAddThirdPartyRepo:       true,
	CmdDeleteThirdPartyRepos:   true,
	CmdEnableThirdPartyRepos:   true,
	CmdDisableThirdPartyRepos:  true,
}

// Valid reports whether c is a known command type.
func (c CommandType) Valid() bool { return commandTypes[c] }

// Direction marks which way a queued message travels.
type Direction string

// Queue directions
const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// QueueStatus is the lifecycle state of a queued message.
type QueueStatus string

// Queue statuses
const (
	StatusPending    QueueStatus = "pending"
	StatusInProgress QueueStatus = "in_progress"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
	StatusExpired    QueueStatus = "expired"
)

// Valid reports whether s is a known queue status.
func (s QueueStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether s is a final state.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Priority orders queued messages within a host.
type Priority string

// Queue priorities
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank returns the numeric weight used for ordering, urgent highest.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}
