package config

import (
	"fmt"
	"os"

	"inet.af/netaddr"
)

// Config is the root daemon configuration.
type Config struct {
	Logging    Logging    `yaml:"logging"`
	Interface  string     `yaml:"interface"`
	Netns      string     `yaml:"netns,omitempty"`
	Client     Client     `yaml:"client"`
	Servers    Servers    `yaml:"servers,omitempty"`
	Netconf    Netconf    `yaml:"netconf"`
	LeaseDB    LeaseDB    `yaml:"lease_db"`
	API        API        `yaml:"api,omitempty"`
	Monitoring Monitoring `yaml:"monitoring,omitempty"`
}

type Logging struct {
	Format     string            `yaml:"format,omitempty"`
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
}

// Client controls what the client offers and requests on the wire.
type Client struct {
	Hostname string `yaml:"hostname,omitempty"`
	// ClientID overrides the default client identifier (type 1 + MAC).
	// The configured string is sent verbatim.
	ClientID         string `yaml:"client_id,omitempty"`
	RequestedOptions []int  `yaml:"requested_options,omitempty"`
	DuplicateDetect  *bool  `yaml:"duplicate_detect,omitempty"`
	ReleaseOnExit    bool   `yaml:"release_on_exit,omitempty"`
}

// Servers filters which DHCP servers the client will accept offers from.
// Deny takes precedence over allow. An empty allow list accepts any server
// not denied.
type Servers struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

type Netconf struct {
	Manage        *bool `yaml:"manage,omitempty"`
	InstallRoutes *bool `yaml:"install_routes,omitempty"`
	RouteMetric   int   `yaml:"route_metric,omitempty"`
}

type LeaseDB struct {
	Path string `yaml:"path,omitempty"`
}

type API struct {
	Address string `yaml:"address,omitempty"`
}

type Monitoring struct {
	Enabled       bool   `yaml:"enabled,omitempty"`
	ListenAddress string `yaml:"listen_address,omitempty"`
}

func (c *Client) DuplicateDetectEnabled() bool {
	return c.DuplicateDetect == nil || *c.DuplicateDetect
}

func (n *Netconf) ManageEnabled() bool {
	return n.Manage == nil || *n.Manage
}

func (n *Netconf) InstallRoutesEnabled() bool {
	return n.InstallRoutes == nil || *n.InstallRoutes
}

// AllowPrefixes parses the allow list. Entries may be prefixes or single
// addresses.
func (s *Servers) AllowPrefixes() ([]netaddr.IPPrefix, error) {
	return parsePrefixes(s.Allow)
}

func (s *Servers) DenyPrefixes() ([]netaddr.IPPrefix, error) {
	return parsePrefixes(s.Deny)
}

func parsePrefixes(entries []string) ([]netaddr.IPPrefix, error) {
	prefixes := make([]netaddr.IPPrefix, 0, len(entries))
	for _, entry := range entries {
		prefix, err := netaddr.ParseIPPrefix(entry)
		if err != nil {
			ip, ipErr := netaddr.ParseIP(entry)
			if ipErr != nil {
				return nil, fmt.Errorf("parse server prefix %q: %w", entry, err)
			}
			prefix = netaddr.IPPrefixFrom(ip, ip.BitLen())
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Client.DuplicateDetect == nil {
		c.Client.DuplicateDetect = boolPtr(true)
	}
	if c.Netconf.Manage == nil {
		c.Netconf.Manage = boolPtr(true)
	}
	if c.Netconf.InstallRoutes == nil {
		c.Netconf.InstallRoutes = boolPtr(true)
	}
	if c.LeaseDB.Path == "" {
		c.LeaseDB.Path = "/var/lib/osdhcpc/leases.db"
	}
	if c.API.Address == "" {
		c.API.Address = "127.0.0.1:8053"
	}
	if c.Monitoring.Enabled && c.Monitoring.ListenAddress == "" {
		c.Monitoring.ListenAddress = "127.0.0.1:9253"
	}
}

func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging format must be text or json, got %q", c.Logging.Format)
	}
	if _, err := c.Servers.AllowPrefixes(); err != nil {
		return fmt.Errorf("servers.allow: %w", err)
	}
	if _, err := c.Servers.DenyPrefixes(); err != nil {
		return fmt.Errorf("servers.deny: %w", err)
	}
	for _, opt := range c.Client.RequestedOptions {
		if opt < 1 || opt > 254 {
			return fmt.Errorf("requested option %d out of range", opt)
		}
	}
	if c.Netconf.RouteMetric < 0 {
		return fmt.Errorf("route metric must not be negative")
	}
	return nil
}

// Hostname returns the configured hostname, falling back to the system
// hostname when unset.
func (c *Client) HostnameOrSystem() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}

func boolPtr(v bool) *bool { return &v }
