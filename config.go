package directble

import (
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// Mode selects which radio modes the adapter initialization sequence
// (§4.3 "Initialization sequence") enables.
type Mode string

const (
	ModeDual  Mode = "dual"
	ModeBREDR Mode = "bredr"
	ModeLE    Mode = "le"
)

// Config carries every engine-construction-time knob named in §6.
// Zero-value fields are filled in by ApplyDefaults with the spec's
// defaults, the way the teacher's option_linux.go Option funcs filled in
// a defaultOpts value by hand; go-defaults does the same job
// declaratively from the `default:` struct tags below.
type Config struct {
	// Mode is the Bluetooth mode requested during adapter initialization.
	Mode Mode `yaml:"mode" default:"dual"`

	// AdapterIndex selects a specific controller; -1 means "first available".
	AdapterIndex int `yaml:"adapter_index" default:"-1"`

	// MGMTTimeout bounds a single MGMT command/reply round trip.
	MGMTTimeout time.Duration `yaml:"mgmt_timeout" default:"3s"`
	// HCITimeout bounds a single HCI command/reply round trip.
	HCITimeout time.Duration `yaml:"hci_timeout" default:"3s"`
	// L2CAPPollTimeout bounds how long a GATT request waits for its ATT
	// reply. The GATT reader task's own socket reads use a fixed 250 ms
	// poll interval, not this value.
	L2CAPPollTimeout time.Duration `yaml:"l2cap_poll_timeout" default:"3s"`

	// MGMTRingCapacity bounds the MGMT reply-correlation ring.
	MGMTRingCapacity int `yaml:"mgmt_ring_capacity" default:"256"`
	// HCIRingCapacity bounds the HCI reply-correlation ring.
	HCIRingCapacity int `yaml:"hci_ring_capacity" default:"64"`
	// ATTRingCapacity bounds the ATT response ring.
	ATTRingCapacity int `yaml:"att_ring_capacity" default:"256"`

	// AutoConfirmIndications controls whether HANDLE_VALUE_CFM is sent
	// automatically on indication delivery (§4.5, default on).
	AutoConfirmIndications bool `yaml:"auto_confirm_indications" default:"true"`

	// ClientMaxATTMTU is the MTU offered in EXCHANGE_MTU_REQ.
	ClientMaxATTMTU uint16 `yaml:"client_max_att_mtu" default:"512"`

	// KeepAliveDiscovery causes the registry to reissue START_DISCOVERY
	// whenever the controller reports discovering=false while scanning
	// is still desired (§4.7).
	KeepAliveDiscovery bool `yaml:"keep_alive_discovery" default:"true"`

	// ScannedTableCapacity bounds the registry's all-scanned table (§4.6).
	ScannedTableCapacity int `yaml:"scanned_table_capacity" default:"512"`
	// ConnectedTableCapacity bounds the registry's connected table (§4.6).
	ConnectedTableCapacity int `yaml:"connected_table_capacity" default:"64"`
}

// DefaultConfig returns a Config with every field set to its §6 default.
func DefaultConfig() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued fields with their defaults in place.
func (c *Config) ApplyDefaults() {
	defaults.SetDefaults(c)
}

// LoadConfigFile reads and parses a YAML config file, applying defaults to
// any field the file omits. This is the only place a file ever enters the
// picture; there is no CLI surface (§1, out of scope).
func LoadConfigFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	c.ApplyDefaults()
	return c, nil
}
