// Package config holds the settings shared by every onionsocks command.
package config

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

const (
	AppName = "onionsocks"

	DefaultClientListen   = "127.0.0.1:1080"
	DefaultNodeListen     = "0.0.0.0:9001"
	DefaultRegistryListen = "127.0.0.1:8080"
	DefaultRegistry       = "127.0.0.1:8080"

	// A one hop circuit would let the exit see the client.
	DefaultCircuitLength = 3
	MinCircuitLength     = 2

	DefaultRefreshInterval = 30 * time.Second
	DefaultRegistryTimeout = 10 * time.Second
	DefaultResolveTimeout  = 5 * time.Second
	DefaultStatsInterval   = 5 * time.Second
	DefaultMaxBuffer       = 64 * 1024
	MinMaxBuffer           = 4 * 1024
)

// Config holds every setting of every command; each command reads the
// fields it needs.
type Config struct {
	ClientListen   string `yaml:"client_listen"`
	NodeListen     string `yaml:"node_listen"`
	RegistryListen string `yaml:"registry_listen"`

	// Registry is where nodes register and clients fetch the listing.
	Registry        string        `yaml:"registry"`
	RegistryTimeout time.Duration `yaml:"registry_timeout"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	CircuitLength int `yaml:"circuit_length"`
	MaxBuffer     int `yaml:"max_buffer"`

	// Name and Advertise describe a node to the registry. An empty
	// Advertise means the listen address, with 127.0.0.1 standing in for
	// an unspecified IP.
	Name      string `yaml:"name"`
	Advertise string `yaml:"advertise"`

	// IdentityFile holds the node's private key; it is created on first
	// start.
	IdentityFile string `yaml:"identity_file"`

	// DNSServer is used by exit nodes. Empty means the first nameserver
	// of /etc/resolv.conf.
	DNSServer      string            `yaml:"dns_server"`
	ResolveTimeout time.Duration     `yaml:"resolve_timeout"`
	Hosts          map[string]string `yaml:"hosts"`

	// StatsFile, when set, is rewritten every StatsInterval with the
	// connection statistics XML.
	StatsFile     string        `yaml:"stats_file"`
	StatsInterval time.Duration `yaml:"stats_interval"`

	Verbose bool `yaml:"verbose"`
	LogJSON bool `yaml:"log_json"`
}

func NewConfig() *Config {
	return &Config{
		ClientListen:    DefaultClientListen,
		NodeListen:      DefaultNodeListen,
		RegistryListen:  DefaultRegistryListen,
		Registry:        DefaultRegistry,
		RegistryTimeout: DefaultRegistryTimeout,
		RefreshInterval: DefaultRefreshInterval,
		CircuitLength:   DefaultCircuitLength,
		MaxBuffer:       DefaultMaxBuffer,
		IdentityFile:    DefaultIdentityFile(),
		ResolveTimeout:  DefaultResolveTimeout,
		StatsInterval:   DefaultStatsInterval,
	}
}

// XDGConfigDir is ~/.config/onionsocks on Linux.
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// XDGDataDir is ~/.local/share/onionsocks on Linux.
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

func DefaultConfigFile() string {
	return filepath.Join(XDGConfigDir(), "config.yaml")
}

func DefaultIdentityFile() string {
	return filepath.Join(XDGDataDir(), "identity.key")
}

// Validate returns the first problem found.
func (c *Config) Validate() error {
	for name, addr := range map[string]string{
		"client_listen":   c.ClientListen,
		"node_listen":     c.NodeListen,
		"registry_listen": c.RegistryListen,
	} {
		if _, err := netip.ParseAddrPort(addr); err != nil {
			return fmt.Errorf("%w: %s %q", ErrInvalidListen, name, addr)
		}
	}
	if _, _, err := net.SplitHostPort(c.Registry); err != nil || c.Registry == "" {
		return fmt.Errorf("%w: %q", ErrInvalidRegistry, c.Registry)
	}
	if c.Advertise != "" {
		if _, err := netip.ParseAddrPort(c.Advertise); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidAdvertise, c.Advertise)
		}
	}
	if c.DNSServer != "" {
		if _, err := netip.ParseAddrPort(c.DNSServer); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidDNSServer, c.DNSServer)
		}
	}
	if c.CircuitLength < MinCircuitLength {
		return ErrInvalidCircuitLength
	}
	if c.MaxBuffer < MinMaxBuffer {
		return ErrInvalidMaxBuffer
	}
	if c.RefreshInterval <= 0 || c.RegistryTimeout <= 0 || c.ResolveTimeout <= 0 {
		return ErrInvalidInterval
	}
	if c.StatsFile != "" && c.StatsInterval <= 0 {
		return ErrInvalidInterval
	}
	if c.IdentityFile == "" {
		return ErrNoIdentityFile
	}
	if _, err := c.StaticHosts(); err != nil {
		return err
	}
	return nil
}

// StaticHosts parses Hosts. Names are matched case-insensitively.
func (c *Config) StaticHosts() (map[string]netip.Addr, error) {
	hosts := make(map[string]netip.Addr, len(c.Hosts))
	for name, ip := range c.Hosts {
		addr, err := netip.ParseAddr(ip)
		if err != nil || name == "" {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidHost, name, ip)
		}
		hosts[strings.ToLower(strings.TrimSuffix(name, "."))] = addr.Unmap()
	}
	return hosts, nil
}

// AdvertiseAddr is the address a node announces for listen.
func (c *Config) AdvertiseAddr(listen netip.AddrPort) netip.AddrPort {
	if ap, err := netip.ParseAddrPort(c.Advertise); err == nil {
		return ap
	}
	if listen.Addr().IsUnspecified() {
		return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), listen.Port())
	}
	return listen
}

// ResolveRegistry turns Registry into an address. It may block on DNS
// and is meant for startup, before the reactor runs.
func (c *Config) ResolveRegistry(ctx context.Context) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(c.Registry); err == nil {
		return ap, nil
	}
	host, port, err := net.SplitHostPort(c.Registry)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrInvalidRegistry, err)
	}
	p, err := net.DefaultResolver.LookupPort(ctx, "tcp", port)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrInvalidRegistry, err)
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolve registry %s: %w", host, err)
	}
	return netip.AddrPortFrom(ips[0].Unmap(), uint16(p)), nil
}
