// Package config defines the jumper's runtime configuration: the typed
// Config struct, its defaults, validation, and a minimal YAML loader.
//
// Generating a config file and its CLI flag surface are external
// collaborators (spec.md §1); this package only owns the in-memory shape
// consumed by the rest of the module.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every option recognized by the jumper (spec.md §6).
type Config struct {
	YggdrasilAdminListen    []string      `yaml:"yggdrasil_admin_listen"`
	YggdrasilAdminReconnect bool          `yaml:"yggdrasil_admin_reconnect"`

	// YggdrasilListen is accepted for compatibility with configs carried
	// over from routers that predate addpeer/removepeer admin support
	// (pre-v0.4.5): the direct router peering URIs a jumper without admin
	// API access would dial instead. This jumper's admin channel always
	// requires addpeer/removepeer, so the field is parsed but neither
	// validated nor otherwise consulted.
	YggdrasilListen    []string `yaml:"yggdrasil_listen"`
	YggdrasilProtocols []string `yaml:"yggdrasil_protocols"`
	ListenPort              int           `yaml:"listen_port"`
	StunServers             []string      `yaml:"stun_servers"`
	Whitelist               []string      `yaml:"whitelist"`
	OnlyPeersAdvertisingJumper bool       `yaml:"only_peers_advertising_jumper"`
	FailedTraversalLimit    int           `yaml:"failed_yggdrasil_traversal_limit"`

	PollInterval     time.Duration `yaml:"poll_interval"`
	CooldownInterval time.Duration `yaml:"cooldown_interval"`
	RendezvousDelta  time.Duration `yaml:"rendezvous_delta"`

	StunTimeout      time.Duration `yaml:"stun_timeout"`
	StunNoCheck      bool          `yaml:"stun_no_check"`
	StunPrintServers bool          `yaml:"stun_print_servers"`

	RendezvousReadTimeout time.Duration `yaml:"rendezvous_read_timeout"`

	TraversalMaxAttempts    int           `yaml:"traversal_max_attempts"`
	TraversalAttemptDelay   time.Duration `yaml:"traversal_attempt_delay"`
	TraversalProbeInterval  time.Duration `yaml:"traversal_probe_interval"`
	TraversalProbeWindow    time.Duration `yaml:"traversal_probe_window"`

	FailureLedgerTTL time.Duration `yaml:"failure_ledger_ttl"`
}

// Default listen-port and other constants mirrored from spec.md §6.
const (
	DefaultListenPort = 4701

	DefaultPollInterval     = 5 * time.Second
	DefaultCooldownInterval = 30 * time.Second
	DefaultRendezvousDelta  = 1 * time.Second

	DefaultStunTimeout = 5 * time.Second

	DefaultRendezvousReadTimeout = 10 * time.Second

	DefaultTraversalMaxAttempts   = 3
	DefaultTraversalAttemptDelay  = 500 * time.Millisecond
	DefaultTraversalProbeInterval = 200 * time.Millisecond
	DefaultTraversalProbeWindow   = 5 * time.Second

	// DefaultFailureLedgerTTL per spec.md §9 Open Question 3: not
	// specified by the source, 1 hour suggested.
	DefaultFailureLedgerTTL = time.Hour

	// FailedTraversalLimitUnlimited means Blacklisted is never reached.
	FailedTraversalLimitUnlimited = 0
)

// DefaultConfig returns a Config populated with every default named in
// spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		YggdrasilAdminListen: []string{
			"unix:///var/run/yggdrasil/yggdrasil.sock",
			"unix:///var/run/yggdrasil.sock",
			"tcp://localhost:9001",
		},
		YggdrasilAdminReconnect:    false,
		YggdrasilProtocols:         []string{"tcp", "quic"},
		ListenPort:                 DefaultListenPort,
		OnlyPeersAdvertisingJumper: false,
		FailedTraversalLimit:       FailedTraversalLimitUnlimited,

		PollInterval:     DefaultPollInterval,
		CooldownInterval: DefaultCooldownInterval,
		RendezvousDelta:  DefaultRendezvousDelta,

		StunTimeout: DefaultStunTimeout,

		RendezvousReadTimeout: DefaultRendezvousReadTimeout,

		TraversalMaxAttempts:   DefaultTraversalMaxAttempts,
		TraversalAttemptDelay:  DefaultTraversalAttemptDelay,
		TraversalProbeInterval: DefaultTraversalProbeInterval,
		TraversalProbeWindow:   DefaultTraversalProbeWindow,

		FailureLedgerTTL: DefaultFailureLedgerTTL,
	}
}

// Load reads a YAML config file and overlays it on top of DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants Config must satisfy before the Controller
// can use it, returning a wrapped ErrInvalid on the first violation found.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: listen_port %d out of range", ErrInvalid, c.ListenPort)
	}
	if len(c.YggdrasilAdminListen) == 0 {
		return fmt.Errorf("%w: yggdrasil_admin_listen must not be empty", ErrInvalid)
	}
	for _, proto := range c.YggdrasilProtocols {
		switch proto {
		case "tcp", "quic", "tls":
		default:
			return fmt.Errorf("%w: unknown protocol %q in yggdrasil_protocols", ErrInvalid, proto)
		}
	}
	if c.FailedTraversalLimit < 0 {
		return fmt.Errorf("%w: failed_yggdrasil_traversal_limit must be >= 0", ErrInvalid)
	}
	return nil
}

// ErrInvalid is the sentinel wrapped by every Validate failure, surfaced
// to the Controller/main as the ConfigInvalid error kind (spec.md §7).
var ErrInvalid = fmt.Errorf("config invalid")
