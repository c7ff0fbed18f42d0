package protocol

// SystemInfo is sent by the agent right after connecting and whenever its
// identity or platform facts change.
type SystemInfo struct {
	Hostname               string   `json:"hostname"`
	IPv4                   string   `json:"ipv4,omitempty"`
	IPv6                   string   `json:"ipv6,omitempty"`
	Platform               string   `json:"platform,omitempty"`
	PlatformRelease        string   `json:"platform_release,omitempty"`
	PlatformVersion        string   `json:"platform_version,omitempty"`
	MachineArchitecture    string   `json:"machine_architecture,omitempty"`
	Processor              string   `json:"processor,omitempty"`
	AgentVersion           string   `json:"agent_version,omitempty"`
	IsPrivileged           bool     `json:"is_privileged,omitempty"`
	ScriptExecutionEnabled bool     `json:"script_execution_enabled,omitempty"`
	EnabledShells          []string `json:"enabled_shells,omitempty"`
}

// Heartbeat is sent periodically by the agent.
type Heartbeat struct {
	AgentStatus  string `json:"agent_status,omitempty"` // "healthy" or "degraded"
	Hostname     string `json:"hostname,omitempty"`
	IsPrivileged bool   `json:"is_privileged,omitempty"`
}

// AckData references the message being acknowledged.
type AckData struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status,omitempty"`
}

// CommandData is the payload of a generic COMMAND message.
type CommandData struct {
	CommandType CommandType    `json:"command_type"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Timeout     int            `json:"timeout,omitempty"` // seconds, 0 = agent default
}

// CommandResult reports the outcome of a COMMAND message.
type CommandResult struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ExitCode  int    `json:"exit_code"`
}

// ScriptExecutionResult reports the outcome of an EXECUTE_SCRIPT command.
type ScriptExecutionResult struct {
	ExecutionID   string  `json:"execution_id"`
	ScriptName    string  `json:"script_name,omitempty"`
	Success       bool    `json:"success"`
	ExitCode      int     `json:"exit_code"`
	Stdout        string  `json:"stdout,omitempty"`
	Stderr        string  `json:"stderr,omitempty"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time,omitempty"` // seconds
}

// ErrorData is carried by ERROR messages in both directions.
type ErrorData struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
}

// ConfigUpdate pushes a versioned configuration document to an agent.
// Exactly one of Config or EncryptedConfig is set.
type ConfigUpdate struct {
	Version         int            `json:"version"`
	Checksum        string         `json:"checksum"`
	Config          map[string]any `json:"config,omitempty"`
	EncryptedConfig string         `json:"encrypted_config,omitempty"` // base64 sealed box
	Nonce           string         `json:"nonce,omitempty"`
	RequiresRestart bool           `json:"requires_restart"`
}

// ConfigAcknowledgment confirms an applied configuration version.
type ConfigAcknowledgment struct {
	Version  int    `json:"version"`
	Checksum string `json:"checksum"`
	Hostname string `json:"hostname,omitempty"`
	Applied  bool   `json:"applied"`
	Error    string `json:"error,omitempty"`
}

// HostApprovedData tells the agent whether the server has approved it.
type HostApprovedData struct {
	Approved       bool   `json:"approved"`
	ApprovalStatus string `json:"approval_status"`
	HostID         string `json:"host_id,omitempty"`
	Certificate    string `json:"certificate,omitempty"`
}

// ConnectionInfo is attached by the endpoint to queued inbound messages
// whose host is not yet known, so the processor can resolve it later.
type ConnectionInfo struct {
	Hostname string `json:"hostname,omitempty"`
	RemoteIP string `json:"remote_ip,omitempty"`
}
