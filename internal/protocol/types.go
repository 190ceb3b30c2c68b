// Package protocol defines the request/response types and the error taxonomy
// for the command runner API. Both the server binding and the peer client
// import this package to ensure type safety.
package protocol

import "time"

// SessionType selects the transport variant used to talk to a device.
type SessionType string

const (
	SessionSSH     SessionType = "ssh"
	SessionNetconf SessionType = "netconf"
)

// SessionData carries extra parameters for non-interactive session types.
// For NETCONF, at least one of Subsystem or ExecCommand must be set;
// Subsystem wins when both are present.
type SessionData struct {
	Subsystem   string `json:"subsystem,omitempty"`
	ExecCommand string `json:"exec_command,omitempty"`
}

// Device identifies a target device and the per-request overrides for it.
// Hostname is the identity; everything else refines how the connection is
// established.
type Device struct {
	Hostname string `json:"hostname"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// Vendor overrides the inventory vendor for this request.
	Vendor string `json:"vendor,omitempty"`

	// IPAddress, when set, is used verbatim instead of inventory lookup.
	IPAddress string `json:"ip_address,omitempty"`

	// MgmtIP restricts address selection to management addresses.
	MgmtIP bool `json:"mgmt_ip,omitempty"`

	// FailoverToBackupIPs lets the session try every preferred address in
	// order instead of only the first.
	FailoverToBackupIPs bool `json:"failover_to_backup_ips,omitempty"`

	// CommandPrompts maps a command to the prompt regex expected after it,
	// for commands that never return to the normal prompt (e.g. "reboot").
	CommandPrompts map[string]string `json:"command_prompts,omitempty"`

	// SessionType overrides the vendor default ("ssh" or "netconf").
	SessionType SessionType `json:"session_type,omitempty"`

	// SessionData parameterizes NETCONF sessions.
	SessionData *SessionData `json:"session_data,omitempty"`

	// PreSetupCommands are sent before the vendor CLI setup sequence.
	PreSetupCommands []string `json:"pre_setup_commands,omitempty"`

	// ClearCommand overrides the vendor clear sequence. A non-nil empty
	// string disables the clear command entirely.
	ClearCommand *string `json:"clear_command,omitempty"`
}

// SuccessStatus is the status value of a successful CommandResult.
const SuccessStatus = "success"

// CommandResult is the outcome of one command on one device.
type CommandResult struct {
	Output string `json:"output"`
	// Status is SuccessStatus or a human-readable failure message.
	Status  string `json:"status"`
	Command string `json:"command"`
	// Capabilities carries the NETCONF server hello on the first result of
	// a NETCONF session.
	Capabilities string `json:"capabilities,omitempty"`
	UUID         string `json:"uuid,omitempty"`
}

// Succeeded reports whether the result carries a success status.
func (r CommandResult) Succeeded() bool { return r.Status == SuccessStatus }

// SessionHandle is the client-visible reference to an open session.
type SessionHandle struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
}

// RunRequest is the body of POST /api/v1/run.
type RunRequest struct {
	Command     string `json:"command"`
	Device      Device `json:"device"`
	TimeoutSec  int    `json:"timeout,omitempty"`
	OpenTimeout int    `json:"open_timeout,omitempty"`
	UUID        string `json:"uuid,omitempty"`
}

// BulkRunRequest is the body of POST /api/v1/bulk-run and bulk-run-local.
// DeviceToCommands is an ordered list; each DeviceCommands entry pairs the
// full device record with its command list.
type BulkRunRequest struct {
	DeviceToCommands []DeviceCommands `json:"device_to_commands"`
	TimeoutSec       int              `json:"timeout,omitempty"`
	OpenTimeout      int              `json:"open_timeout,omitempty"`
	UUID             string           `json:"uuid,omitempty"`
}

// DeviceCommands pairs one device with its ordered command list.
type DeviceCommands struct {
	Device   Device   `json:"device"`
	Commands []string `json:"commands"`
}

// BulkRunResponse maps hostname to the per-command results for that device.
type BulkRunResponse map[string][]CommandResult

// OpenSessionRequest is the body of POST /api/v1/sessions.
type OpenSessionRequest struct {
	Device      Device `json:"device"`
	OpenTimeout int    `json:"open_timeout,omitempty"`
	IdleTimeout int    `json:"idle_timeout,omitempty"`
}

// RunSessionRequest is the body of POST /api/v1/sessions/{id}/run.
// PromptRegex is only honored on raw sessions.
type RunSessionRequest struct {
	Command     string `json:"command"`
	TimeoutSec  int    `json:"timeout,omitempty"`
	PromptRegex string `json:"prompt_regex,omitempty"`
}

// Timeout converts the wire seconds to a duration, with a fallback default.
func Timeout(sec int, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}
