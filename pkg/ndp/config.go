package ndp

import (
	"fmt"
	"net/netip"
	"time"
)

// Config holds every protocol knob the engine exposes. Zero values are
// replaced with the RFC 4861 defaults by DefaultConfig / applyDefaults.
type Config struct {
	// DAD
	DADEnabled bool `yaml:"dad_enabled"`
	// Upper bound of the random delay applied before transmitting a
	// solicitation (RFC 4861 MAX_RTR_SOLICITATION_DELAY style jitter).
	SolicitationJitter time.Duration `yaml:"solicitation_jitter"`
	// DAD window: time to wait for a conflicting advertisement before
	// promoting a tentative address.
	DADTimeout time.Duration `yaml:"dad_timeout"`

	// Neighbor Unreachability Detection
	MaxMulticastSolicit uint32        `yaml:"max_multicast_solicit"`
	MaxUnicastSolicit   uint32        `yaml:"max_unicast_solicit"`
	ReachableTime       time.Duration `yaml:"reachable_time"`
	RetransmitTime      time.Duration `yaml:"retransmit_time"`
	DelayFirstProbeTime time.Duration `yaml:"delay_first_probe_time"`
	// Packets held per neighbor while resolution is in progress. RFC 4861
	// section 7.2.2 requires at least one; overflow drops the oldest.
	QueueLimit int `yaml:"queue_limit"`

	// Router Solicitation retransmission
	RSRetransmissionJitter float64       `yaml:"rs_retransmission_jitter"`
	RSInitialTime          time.Duration `yaml:"rs_initial_retransmission_time"`
	// Backoff clamp. 0 disables clamping.
	RSMaxTime time.Duration `yaml:"rs_max_retransmission_time"`
	// 0 means unbounded count (still time-bounded if RSMaxDuration set).
	RSMaxCount uint32 `yaml:"rs_max_retransmission_count"`
	// 0 means unbounded duration.
	RSMaxDuration time.Duration `yaml:"rs_max_retransmission_duration"`

	// Router side: answer Router Solicitations on forwarding interfaces.
	Advertise AdvertiseConfig `yaml:"advertise"`
}

// AdvertiseConfig configures the RA sent in response to a Router
// Solicitation on a forwarding interface.
type AdvertiseConfig struct {
	Prefixes        []PrefixConfig `yaml:"prefixes"`
	MTU             uint32         `yaml:"mtu"`
	CurHopLimit     uint8          `yaml:"cur_hop_limit"`
	RouterLifetime  time.Duration  `yaml:"router_lifetime"`
	ReachableTime   time.Duration  `yaml:"reachable_time"`
	RetransmitTimer time.Duration  `yaml:"retransmit_timer"`
	Managed         bool           `yaml:"managed"`
	Other           bool           `yaml:"other"`
}

// PrefixConfig is one advertised prefix.
type PrefixConfig struct {
	Prefix            netip.Prefix  `yaml:"prefix"`
	OnLink            bool          `yaml:"on_link"`
	Autonomous        bool          `yaml:"autonomous"`
	ValidLifetime     time.Duration `yaml:"valid_lifetime"`
	PreferredLifetime time.Duration `yaml:"preferred_lifetime"`
}

// DefaultConfig returns the RFC 4861 protocol constants.
func DefaultConfig() Config {
	return Config{
		DADEnabled:             true,
		SolicitationJitter:     1 * time.Second,
		DADTimeout:             1 * time.Second,
		MaxMulticastSolicit:    3,
		MaxUnicastSolicit:      3,
		ReachableTime:          30 * time.Second,
		RetransmitTime:         1 * time.Second,
		DelayFirstProbeTime:    5 * time.Second,
		QueueLimit:             3,
		RSRetransmissionJitter: 0.1,
		RSInitialTime:          4 * time.Second,
		RSMaxTime:              3600 * time.Second,
		RSMaxCount:             4,
		RSMaxDuration:          0,
	}
}

// Validate rejects configurations that cannot express a working protocol.
// A failure here is a programming error at wiring time, never a runtime
// condition.
func (c *Config) Validate() error {
	if c.SolicitationJitter < 0 {
		return fmt.Errorf("solicitation_jitter must be >= 0, got %v", c.SolicitationJitter)
	}
	if c.DADTimeout <= 0 {
		return fmt.Errorf("dad_timeout must be > 0, got %v", c.DADTimeout)
	}
	if c.MaxMulticastSolicit == 0 {
		return fmt.Errorf("max_multicast_solicit must be >= 1")
	}
	if c.MaxUnicastSolicit == 0 {
		return fmt.Errorf("max_unicast_solicit must be >= 1")
	}
	if c.ReachableTime <= 0 || c.RetransmitTime <= 0 || c.DelayFirstProbeTime <= 0 {
		return fmt.Errorf("NUD timers must be > 0")
	}
	if c.QueueLimit < 1 {
		return fmt.Errorf("queue_limit must be >= 1, got %d", c.QueueLimit)
	}
	if c.RSRetransmissionJitter < 0 || c.RSRetransmissionJitter >= 1 {
		return fmt.Errorf("rs_retransmission_jitter must be in [0, 1), got %v", c.RSRetransmissionJitter)
	}
	if c.RSInitialTime <= 0 {
		return fmt.Errorf("rs_initial_retransmission_time must be > 0, got %v", c.RSInitialTime)
	}
	if c.RSMaxTime < 0 || c.RSMaxDuration < 0 {
		return fmt.Errorf("rs retransmission bounds must be >= 0")
	}
	for _, p := range c.Advertise.Prefixes {
		if !p.Prefix.IsValid() || !p.Prefix.Addr().Is6() || p.Prefix.Addr().Is4In6() {
			return fmt.Errorf("advertised prefix %v is not IPv6", p.Prefix)
		}
	}
	return nil
}
