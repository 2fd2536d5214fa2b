// Package config resolves process-wide identity and wiring settings: the
// advertised signalling address, bind addresses, the RTPProxy control
// socket, NAT classification CIDRs and registrar credentials.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// autoAddr is the sentinel requesting primary-interface auto-detection
// for advertised_host, per spec.md section 6.
const autoAddr = "AUTO"

var defaultPrivateCIDRs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// Config holds the B2BUA's process-wide configuration.
type Config struct {
	BindAddr string
	BindPort int
	EnableTCP bool

	AdvertisedHost string
	AdvertisedPort int

	LogLevel string

	// RTPProxyControl is a datagram address, "udp:host:port" or
	// "unix:/path/to/socket". No scheme defaults to udp.
	RTPProxyControl string

	PrivateCIDRs []*net.IPNet

	// Users maps an AoR's user part to its shared digest secret.
	Users map[string]string

	RegistrationMaxExpiry int
	RegistrationMinExpiry int

	MetricsAddr string

	// DialTimeout is the absolute time budget for a Call to reach Connected
	// from Initiating (spec.md section 4.6).
	DialTimeout time.Duration
	// AckTimeout is how long the dialog layer waits for ACK after sending
	// its own 2xx before declaring the call failed (spec.md section 4.6).
	AckTimeout time.Duration
}

// Load parses flags and environment overrides into a Config. Flags are
// registered against flag.CommandLine, so Load must be called at most once
// per process (mirrors the teacher's config.Load).
func Load() (*Config, error) {
	cfg := &Config{
		RegistrationMaxExpiry: 7200,
		RegistrationMinExpiry: 60,
		Users:                 map[string]string{},
	}

	var privateCIDRsFlag, usersFlag string

	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.IntVar(&cfg.BindPort, "port", 5060, "SIP bind port")
	flag.BoolVar(&cfg.EnableTCP, "enable-tcp", false, "also listen for SIP over TCP")
	flag.StringVar(&cfg.AdvertisedHost, "advertise-host", autoAddr, "host advertised in Via/Contact/SDP, or AUTO")
	flag.IntVar(&cfg.AdvertisedPort, "advertise-port", 0, "port advertised in Via/Contact (defaults to -port)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")
	flag.StringVar(&cfg.RTPProxyControl, "rtpproxy", "udp:127.0.0.1:22222", "RTPProxy control socket, udp:host:port or unix:/path")
	flag.StringVar(&privateCIDRsFlag, "private-cidrs", "", "comma-separated CIDRs considered private (defaults to RFC1918+loopback+link-local)")
	flag.StringVar(&usersFlag, "users", "", "comma-separated user:secret pairs for digest auth")
	flag.IntVar(&cfg.RegistrationMaxExpiry, "reg-max-expiry", 7200, "maximum accepted REGISTER Expires, seconds")
	flag.IntVar(&cfg.RegistrationMinExpiry, "reg-min-expiry", 60, "minimum accepted REGISTER Expires, seconds (423 below this)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", ":8080", "address to serve /metrics and /healthz on")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 32*time.Second, "time budget for a call to reach Connected from Initiating")
	flag.DurationVar(&cfg.AckTimeout, "ack-timeout", 5*time.Second, "time to wait for ACK after sending a final 2xx before failing the call")

	flag.Parse()

	applyEnvOverrides(cfg, &privateCIDRsFlag, &usersFlag)

	if cfg.AdvertisedPort == 0 {
		cfg.AdvertisedPort = cfg.BindPort
	}

	if cfg.AdvertisedHost == autoAddr || cfg.AdvertisedHost == "" {
		host, err := primaryInterfaceIP()
		if err != nil {
			return nil, fmt.Errorf("config: auto-detect advertised host: %w", err)
		}
		cfg.AdvertisedHost = host
	} else if !isValidAddress(cfg.AdvertisedHost) {
		return nil, fmt.Errorf("config: advertise-host %q is neither a literal IP nor resolvable", cfg.AdvertisedHost)
	}

	cidrs, err := parseCIDRList(privateCIDRsFlag)
	if err != nil {
		return nil, err
	}
	cfg.PrivateCIDRs = cidrs

	if usersFlag != "" {
		for _, pair := range strings.Split(usersFlag, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			kv := strings.SplitN(pair, ":", 2)
			if len(kv) != 2 {
				return nil, fmt.Errorf("config: malformed user entry %q, want user:secret", pair)
			}
			cfg.Users[kv[0]] = kv[1]
		}
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, privateCIDRsFlag, usersFlag *string) {
	if v := os.Getenv("B2BUA_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("B2BUA_BIND_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.BindPort = p
		}
	}
	if v := os.Getenv("B2BUA_ADVERTISE_HOST"); v != "" {
		cfg.AdvertisedHost = v
	}
	if v := os.Getenv("B2BUA_ADVERTISE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.AdvertisedPort = p
		}
	}
	if v := os.Getenv("B2BUA_LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("B2BUA_RTPPROXY"); v != "" {
		cfg.RTPProxyControl = v
	}
	if v := os.Getenv("B2BUA_PRIVATE_CIDRS"); v != "" {
		*privateCIDRsFlag = v
	}
	if v := os.Getenv("B2BUA_USERS"); v != "" {
		*usersFlag = v
	}
	if v := os.Getenv("B2BUA_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DialTimeout = d
		}
	}
	if v := os.Getenv("B2BUA_ACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AckTimeout = d
		}
	}
}

func parseCIDRList(s string) ([]*net.IPNet, error) {
	raw := defaultPrivateCIDRs
	if s != "" {
		raw = strings.Split(s, ",")
	}
	nets := make([]*net.IPNet, 0, len(raw))
	for _, c := range raw {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("config: invalid CIDR %q: %w", c, err)
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}

func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	ips, err := net.LookupIP(addr)
	return err == nil && len(ips) > 0
}

func primaryInterfaceIP() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no usable non-loopback IPv4 interface found")
}

// RegistrationExpiry clamps a requested expiry to [MinExpiry, MaxExpiry].
// Returns ok=false if requested is below MinExpiry (caller should respond
// 423 Interval Too Brief).
func (c *Config) RegistrationExpiry(requested int) (expiry int, ok bool) {
	if requested <= 0 {
		return 0, true
	}
	if requested < c.RegistrationMinExpiry {
		return c.RegistrationMinExpiry, false
	}
	if requested > c.RegistrationMaxExpiry {
		return c.RegistrationMaxExpiry, true
	}
	return requested, true
}

// PasswordFor implements registrar.UserLookup against the static user
// table loaded from -users/B2BUA_USERS.
func (c *Config) PasswordFor(username string) (string, bool) {
	secret, ok := c.Users[username]
	return secret, ok
}
