package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Configuration & plan errors
// 12000-12999: Namespace & network topology errors
// 13000-13999: Process launch & supervision errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300
	InvalidFormat    ErrorCode = 10301

	// ========== Configuration & Plan Errors (11000-11999) ==========

	// Configuration (11000-11099)
	ConfigInvalid   ErrorCode = 11000
	ModeUnsupported ErrorCode = 11001
	UsageError      ErrorCode = 11002

	// Plan (11100-11199)
	PlanInvalid       ErrorCode = 11100
	PlanEmpty         ErrorCode = 11101
	DuplicateChild    ErrorCode = 11102
	PortConflict      ErrorCode = 11103
	AddressConflict   ErrorCode = 11104
	MultipleBridges   ErrorCode = 11105
	ContainerNotReady ErrorCode = 11106

	// ========== Namespace & Network Errors (12000-12999) ==========

	// Namespace (12000-12099)
	NetworkNotSetUp ErrorCode = 12000
	NamespaceFailed ErrorCode = 12001
	MountFailed     ErrorCode = 12002

	// Topology (12100-12199)
	TopologyFailed   ErrorCode = 12100
	LinkSetupFailed  ErrorCode = 12101
	ForwardingFailed ErrorCode = 12102

	// ========== Launch & Supervision Errors (13000-13999) ==========

	// Launch (13000-13099)
	SpawnFailed    ErrorCode = 13000
	CgroupFailed   ErrorCode = 13001
	HelperRequired ErrorCode = 13002

	// Supervision (13100-13199)
	SupervisionFailed ErrorCode = 13100
	SignalFailed      ErrorCode = 13101
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal error",

	// Validation
	ValidationFailed: "Validation failed",
	InvalidFormat:    "Invalid format",

	// Configuration
	ConfigInvalid:   "Invalid configuration",
	ModeUnsupported: "Supervision mode is not supported",
	UsageError:      "Invalid command line usage",

	// Plan
	PlanInvalid:       "Invalid supervision plan",
	PlanEmpty:         "Supervision plan has no children",
	DuplicateChild:    "Child name is used more than once",
	PortConflict:      "External port is forwarded more than once",
	AddressConflict:   "Namespace address is used more than once",
	MultipleBridges:   "Only one bridge child is allowed",
	ContainerNotReady: "Container is not ready",

	// Namespace
	NetworkNotSetUp: "Network namespace is not set up",
	NamespaceFailed: "Namespace operation failed",
	MountFailed:     "Mount operation failed",

	// Topology
	TopologyFailed:   "Failed to build namespace topology",
	LinkSetupFailed:  "Failed to configure network link",
	ForwardingFailed: "Failed to install port forwarding",

	// Launch
	SpawnFailed:    "Process could not be run",
	CgroupFailed:   "Cgroup operation failed",
	HelperRequired: "Init helper is required for namespaced children",

	// Supervision
	SupervisionFailed: "Supervision failed",
	SignalFailed:      "Failed to signal process",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// ExitCode returns the recommended process exit code for the error code
func (c ErrorCode) ExitCode() int {
	switch {
	case c == Success:
		return 0
	case c == UsageError:
		return 122
	case c >= 11000 && c < 12000: // Configuration & plan errors
		return 121
	case c == NetworkNotSetUp:
		return 121
	case c >= 12000 && c < 14000: // Topology & launch errors
		return 127
	default:
		return 121
	}
}
