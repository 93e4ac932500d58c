package main

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/mdlayher/iprouter"
)

// Config is the configuration of the router.
type Config struct {
	// Logging configuration.
	Logging LoggingConfig `yaml:"logging"`
	// Tick is how often the virtual clock of the interfaces is advanced.
	Tick time.Duration `yaml:"tick"`
	// Interfaces are the network interfaces to route between, in index
	// order.
	Interfaces []InterfaceConfig `yaml:"interfaces"`
	// Routes are static routes installed at startup.
	Routes []RouteConfig `yaml:"routes"`
	// ImportKernelRoutes installs the kernel's IPv4 routes through the
	// configured interfaces at startup.
	ImportKernelRoutes bool `yaml:"import_kernel_routes"`
}

// LoggingConfig is the configuration for the logging subsystem.
type LoggingConfig struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`
}

// InterfaceConfig describes a network interface to route on.
type InterfaceConfig struct {
	// Name is the name of the network interface, e.g. "eth0".
	Name string `yaml:"name"`
	// Address overrides the IPv4 address the router answers ARP requests
	// for.  By default the first IPv4 address of the interface is used.
	Address string `yaml:"address"`
}

// RouteConfig describes a static route.
type RouteConfig struct {
	// Prefix is the destination network in CIDR notation.
	Prefix string `yaml:"prefix"`
	// NextHop is the gateway address.  Empty for directly attached
	// networks.
	NextHop string `yaml:"next_hop"`
	// Interface is the name of the egress interface.
	Interface string `yaml:"interface"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: zapcore.InfoLevel,
		},
		Tick: 100 * time.Millisecond,
	}
}

// LoadConfig loads the configuration from the given path.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors which would otherwise
// surface only after interfaces are opened.
func (m *Config) Validate() error {
	if m.Tick <= 0 {
		return fmt.Errorf("tick must be positive, got %s", m.Tick)
	}

	seen := map[string]bool{}
	for _, ifc := range m.Interfaces {
		if ifc.Name == "" {
			return fmt.Errorf("interface with empty name")
		}
		if seen[ifc.Name] {
			return fmt.Errorf("duplicate interface %q", ifc.Name)
		}
		seen[ifc.Name] = true

		if ifc.Address != "" {
			if _, err := parseIPv4(ifc.Address); err != nil {
				return fmt.Errorf("interface %q: %w", ifc.Name, err)
			}
		}
	}

	_, err := m.StaticRoutes()
	return err
}

// InterfaceIndex returns the router interface index of the named
// interface.
func (m *Config) InterfaceIndex(name string) (int, bool) {
	for idx, ifc := range m.Interfaces {
		if ifc.Name == name {
			return idx, true
		}
	}

	return 0, false
}

// StaticRoutes converts the configured routes.  Prefix addresses keep their
// host bits; the forwarding table ignores them.
func (m *Config) StaticRoutes() ([]iprouter.Route, error) {
	routes := make([]iprouter.Route, 0, len(m.Routes))
	for _, rc := range m.Routes {
		prefix, err := netip.ParsePrefix(rc.Prefix)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.Prefix, err)
		}
		if !prefix.Addr().Is4() {
			return nil, fmt.Errorf("route %q: %w", rc.Prefix, iprouter.ErrInvalidIP)
		}

		var nextHop netip.Addr
		if rc.NextHop != "" {
			nextHop, err = parseIPv4(rc.NextHop)
			if err != nil {
				return nil, fmt.Errorf("route %q: %w", rc.Prefix, err)
			}
		}

		idx, ok := m.InterfaceIndex(rc.Interface)
		if !ok {
			return nil, fmt.Errorf("route %q interface %q: %w", rc.Prefix, rc.Interface, iprouter.ErrNoInterface)
		}

		routes = append(routes, iprouter.Route{
			Prefix:    prefix,
			NextHop:   nextHop,
			Interface: idx,
		})
	}

	return routes, nil
}

func parseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s: %w", s, iprouter.ErrInvalidIP)
	}

	return addr, nil
}
