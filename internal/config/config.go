// Package config holds the CLI configuration types.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPort is the relay's well-known port on the LAN.
const DefaultPort = 8765

// Role represents the user's chosen role (host or client).
// The host runs the relay and yields when both sides offer at once.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// Config stores all parameters gathered from CLI flags or interactive prompts.
type Config struct {
	Role       Role
	ListenAddr string   // Host: relay listen address, e.g. ":8765"
	RelayURL   string   // Client: relay WebSocket URL; empty means discover via mDNS
	ICEServers []string // Optional STUN URLs; empty keeps candidates LAN-local
	Advertise  bool     // Host: advertise the relay / Client: allow mDNS discovery
	Debug      bool
}

// Validate checks that the configuration is usable for its role.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleHost:
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err)
		}
	case RoleClient:
		if c.RelayURL == "" && !c.Advertise {
			return errors.New("client role needs a relay URL or mDNS discovery")
		}
		if c.RelayURL != "" {
			u, err := NormalizeRelayURL(c.RelayURL)
			if err != nil {
				return err
			}
			c.RelayURL = u
		}
	default:
		return fmt.Errorf("invalid role %q: must be 'host' or 'client'", c.Role)
	}

	for _, s := range c.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("invalid ICE server %q: only stun: URLs are supported", s)
		}
	}
	return nil
}

// NormalizeRelayURL validates and normalizes a raw relay address. It accepts
// "host", "host:port" or a full ws:// / wss:// URL and always returns
// "<scheme>://host:port/ws".
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty relay address")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("invalid relay address: %s", raw)
	}

	scheme := "ws"
	switch u.Scheme {
	case "ws", "wss":
		scheme = u.Scheme
	case "http":
	case "https":
		scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in relay address", u.Scheme)
	}

	port := u.Port()
	if port == "" {
		port = strconv.Itoa(DefaultPort)
	}
	return fmt.Sprintf("%s://%s/ws", scheme, net.JoinHostPort(u.Hostname(), port)), nil
}

// LocalIP returns the address this machine would use to reach the LAN, or
// 127.0.0.1 if none can be determined. No packets are sent.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
