// Package model holds the data types shared across the forwarding core:
// configurations, run state, resolved targets, log messages, certificate
// bundles and settings (spec.md §3).
package model

import "time"

// Protocol is the transport protocol a Configuration forwards.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// SelectorKind identifies how a Configuration resolves to a pod.
type SelectorKind string

const (
	SelectorService  SelectorKind = "service"
	SelectorPodLabel SelectorKind = "pod_label"
	SelectorProxyPod SelectorKind = "proxy_pod"
)

// Selector is the workload selector of a Configuration: exactly one of
// ServiceName, LabelSelector or ProxyPodConfigID is meaningful, chosen by Kind.
type Selector struct {
	Kind             SelectorKind
	ServiceName      string
	LabelSelector    string
	ProxyPodConfigID int64
}

// Configuration is the immutable descriptor of one forward (spec.md §3).
type Configuration struct {
	ID                   int64
	Context              string
	KubeconfigPaths      string // colon-separated, optional
	Namespace            string
	Selector             Selector
	LocalPort            int // 0 = dynamic
	LocalAddress         string
	AutoAllocateLoopback bool
	RemotePort           int
	Protocol             Protocol
	Alias                string
	DomainEnabled        bool
	HTTPLogsEnabled      bool
	HTTPLogs             HTTPLogSettings
	TLSEnabled           bool
}

// Validate enforces the Configuration invariants from spec.md §3.
func (c *Configuration) Validate() error {
	if c.Protocol != ProtocolTCP && c.Protocol != ProtocolUDP {
		return &ConfigError{Reason: "protocol must be tcp or udp"}
	}
	if c.DomainEnabled && c.Alias == "" {
		return &ConfigError{Reason: "domain_enabled requires alias"}
	}
	return nil
}

// HTTPLogSettings is the per-configuration HTTP logging sub-settings,
// stored in the http_logs_config table (spec.md §4.10).
type HTTPLogSettings struct {
	ConfigID      int64
	Enabled       bool
	MaxFileSize   int64
	RetentionDays int
	AutoCleanup   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RunState is the per-configuration record maintained transactionally
// alongside configuration rows (spec.md §3).
type RunState struct {
	ConfigID  int64
	IsRunning bool
	ProcessID *int
}

// ProcessHandleKey is the process-table key `config:{id}:service:{name}`.
type ProcessHandleKey string

// NewProcessHandleKey builds the canonical handle key for a configuration.
func NewProcessHandleKey(configID int64, serviceName string) ProcessHandleKey {
	return ProcessHandleKey(formatHandleKey(configID, serviceName))
}

func formatHandleKey(configID int64, serviceName string) string {
	return "config:" + itoa(configID) + ":service:" + serviceName
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Target is a resolved (pod, port) pair produced by the Target Resolver (C2).
type Target struct {
	PodName    string
	PodPort    int
	Namespace  string
	ResolvedAt time.Time
}

// StreamKey identifies one logical portforward stream owned by the broker (C3).
type StreamKey struct {
	Context   string
	Namespace string
	Pod       string
	Port      int
}

// LogMessage is a tagged record produced by the HTTP Observer (C6).
type LogMessage struct {
	Kind    LogMessageKind
	TraceID string
	Payload []byte
}

type LogMessageKind int

const (
	LogMessageRequest LogMessageKind = iota
	LogMessageResponse
)

// CertificateBundle is a leaf or CA certificate managed by the TLS Terminator (C7).
type CertificateBundle struct {
	LeafCertPEM  []byte
	ChainPEM     []byte
	PrivateKey   []byte
	SANs         []string
	NotBefore    time.Time
	NotAfter     time.Time
}

// Settings is the typed view over the settings key/value table (spec.md §3).
type Settings struct {
	DisconnectTimeoutMinutes int
	NetworkMonitor           bool
	HTTPLogsDefaultEnabled   bool
	HTTPLogsMaxFileSize      int64
	HTTPLogsRetentionDays    int
	SSLEnabled               bool
	SSLCertValidityDays      int
	SSLAutoRegenerate        bool
	SSLCAAutoInstall         bool
	GlobalShortcut           string
	EnvAutoSyncEnabled       bool
	EnvAutoSyncIntervalSecs  int
}

// DefaultSettings returns the specified defaults used when a key is unset
// (spec.md §3).
func DefaultSettings() Settings {
	return Settings{
		DisconnectTimeoutMinutes: 0,
		NetworkMonitor:           true,
		HTTPLogsDefaultEnabled:   false,
		HTTPLogsMaxFileSize:      10 * 1024 * 1024,
		HTTPLogsRetentionDays:    7,
		SSLEnabled:               false,
		SSLCertValidityDays:      365,
		SSLAutoRegenerate:        true,
		SSLCAAutoInstall:         true,
		GlobalShortcut:           "",
		EnvAutoSyncEnabled:       false,
		EnvAutoSyncIntervalSecs:  300,
	}
}
