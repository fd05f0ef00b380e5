package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dcherniev/sdl-core/pkg/adapter/ble"
	"github.com/dcherniev/sdl-core/pkg/adapter/mqttip"
	"github.com/dcherniev/sdl-core/pkg/adapter/serial"
	"github.com/dcherniev/sdl-core/pkg/logging"
	"github.com/dcherniev/sdl-core/pkg/manager"
	"github.com/dcherniev/sdl-core/pkg/upstream"
)

// Transport names accepted in the adapters list.
const (
	transportVirtual = "virtual"
	transportMQTT    = "mqtt"
	transportBLE     = "ble"
	transportSerial  = "serial"
)

// Config is the daemon's YAML file.
type Config struct {
	Log            logging.Config  `yaml:"log"`
	MetricsAddr    string          `yaml:"metrics_addr"`
	SearchInterval time.Duration   `yaml:"search_interval"` // periodic rescan, 0 disables
	Manager        manager.Config  `yaml:"manager"`
	Adapters       []AdapterConfig `yaml:"adapters"`
	Policy         PolicyConfig    `yaml:"policy"`
}

// AdapterConfig declares one adapter. Only the section matching Transport is
// read.
type AdapterConfig struct {
	ID          string        `yaml:"id"`
	Transport   string        `yaml:"transport"`
	Disabled    bool          `yaml:"disabled"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	MQTT    *mqttip.Config `yaml:"mqtt"`
	BLE     *ble.Config    `yaml:"ble"`
	Serial  *serial.Config `yaml:"serial"`
	Virtual *VirtualConfig `yaml:"virtual"`
}

// VirtualConfig lists the simulated devices of a virtual adapter.
type VirtualConfig struct {
	Devices []VirtualDevice `yaml:"devices"`
}

// VirtualDevice is one simulated device.
type VirtualDevice struct {
	UID  string `yaml:"uid"`
	Name string `yaml:"name"`
}

// PolicyConfig answers peer-initiated connects. Patterns use path.Match
// syntax against the device UID and the adapter transport.
type PolicyConfig struct {
	Accept     []string `yaml:"accept"`
	Transports []string `yaml:"transports"`
	Fallback   string   `yaml:"fallback"` // reject, accept or defer
}

// DefaultConfig returns a daemon with no adapters.
func DefaultConfig() Config {
	return Config{
		Log:     logging.Config{Level: "info", Format: "json", Output: "stdout"},
		Manager: manager.DefaultConfig(),
		Policy:  PolicyConfig{Fallback: "reject"},
	}
}

// LoadConfig reads path over DefaultConfig and then applies SDL_TM_*
// overrides. An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.Manager.ApplyEnv()
	return cfg, cfg.Validate()
}

// UnmarshalYAML decodes an adapter over its transport's defaults so a file
// only needs the fields it changes.
func (a *AdapterConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain AdapterConfig
	var head struct {
		Transport string `yaml:"transport"`
	}
	if err := n.Decode(&head); err != nil {
		return err
	}
	var p plain
	switch head.Transport {
	case transportMQTT:
		c := mqttip.DefaultConfig()
		p.MQTT = &c
	case transportBLE:
		c := ble.DefaultConfig()
		p.BLE = &c
	case transportSerial:
		c := serial.DefaultConfig()
		p.Serial = &c
	}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*a = AdapterConfig(p)
	return nil
}

func (a AdapterConfig) mqttConfig() mqttip.Config {
	if a.MQTT == nil {
		return mqttip.DefaultConfig()
	}
	return *a.MQTT
}

func (a AdapterConfig) bleConfig() ble.Config {
	if a.BLE == nil {
		return ble.DefaultConfig()
	}
	return *a.BLE
}

func (a AdapterConfig) serialConfig() serial.Config {
	if a.Serial == nil {
		return serial.DefaultConfig()
	}
	return *a.Serial
}

func (a AdapterConfig) virtualConfig() VirtualConfig {
	if a.Virtual == nil {
		return VirtualConfig{}
	}
	return *a.Virtual
}

// Validate checks the whole file, including every adapter section.
func (c *Config) Validate() error {
	if err := c.Manager.Validate(); err != nil {
		return fmt.Errorf("manager: %w", err)
	}
	if c.SearchInterval < 0 {
		return errors.New("search_interval must be >= 0")
	}
	seen := make(map[string]bool)
	for i, a := range c.Adapters {
		if a.ID == "" {
			return fmt.Errorf("adapters[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("adapters[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		if err := a.validate(); err != nil {
			return fmt.Errorf("adapter %s: %w", a.ID, err)
		}
	}
	if _, err := c.Policy.decider(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}

func (a AdapterConfig) validate() error {
	if a.OpTimeout < 0 || a.ScanTimeout < 0 {
		return errors.New("timeouts must be >= 0")
	}
	switch a.Transport {
	case transportMQTT:
		return a.mqttConfig().Validate()
	case transportBLE:
		return a.bleConfig().Validate()
	case transportSerial:
		return a.serialConfig().Validate()
	case transportVirtual:
		for _, d := range a.virtualConfig().Devices {
			if d.UID == "" {
				return errors.New("virtual device uid is required")
			}
		}
		return nil
	}
	return fmt.Errorf("unknown transport %q", a.Transport)
}

func (p PolicyConfig) verdict() (upstream.Verdict, error) {
	switch p.Fallback {
	case "", "reject":
		return upstream.Reject, nil
	case "accept":
		return upstream.Accept, nil
	case "defer":
		return upstream.Defer, nil
	}
	return upstream.Defer, fmt.Errorf("unknown fallback %q", p.Fallback)
}

func (p PolicyConfig) decider() (*upstream.AllowList, error) {
	fallback, err := p.verdict()
	if err != nil {
		return nil, err
	}
	l, err := upstream.NewAllowList(p.Accept, p.Transports)
	if err != nil {
		return nil, err
	}
	l.Fallback = fallback
	return l, nil
}
