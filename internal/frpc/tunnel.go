// Package frpc knows how to describe, configure and read the output of an
// frp client (frpc) process for a single tunnel.
package frpc

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Protocol is the proxy type of a tunnel
type Protocol string

const (
	ProtocolTCP   Protocol = "tcp"
	ProtocolUDP   Protocol = "udp"
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// Valid reports whether p is one of the supported proxy types
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolTCP, ProtocolUDP, ProtocolHTTP, ProtocolHTTPS:
		return true
	}
	return false
}

// IsWeb reports whether the tunnel is routed by domain instead of port
func (p Protocol) IsWeb() bool {
	return p == ProtocolHTTP || p == ProtocolHTTPS
}

// Tunnel is a tunnel descriptor as handed out by the upstream API.
// It is read-only input to the supervisor.
type Tunnel struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Type        Protocol `json:"type"`
	LocalIP     string   `json:"localip"`
	LocalPort   int      `json:"nport"`
	Dorp        string   `json:"dorp"` // remote port for tcp/udp, bound domain for http/https
	RemotePort  int      `json:"remoteport,omitempty"`
	Encryption  bool     `json:"encryption"`
	Compression bool     `json:"compression"`
	Node        string   `json:"node"`
	NodeIP      string   `json:"ip,omitempty"`
}

// looseValue accepts JSON strings, numbers and booleans alike. The upstream
// API is not consistent about quoting ids, ports and flags.
type looseValue string

func (v *looseValue) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*v = ""
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*v = looseValue(strings.TrimSpace(str))
	case strings.HasPrefix(s, "{"), strings.HasPrefix(s, "["):
		return fmt.Errorf("expected scalar, got %s", s)
	default:
		*v = looseValue(s)
	}
	return nil
}

func (v looseValue) int(field string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, string(v), err)
	}
	return n, nil
}

func (v looseValue) bool() bool {
	b, err := strconv.ParseBool(string(v))
	return err == nil && b
}

type wireTunnel struct {
	ID          looseValue `json:"id"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	LocalIP     string     `json:"localip"`
	LocalPort   looseValue `json:"nport"`
	Dorp        looseValue `json:"dorp"`
	RemotePort  looseValue `json:"remoteport"`
	Encryption  looseValue `json:"encryption"`
	Compression looseValue `json:"compression"`
	Node        string     `json:"node"`
	NodeIP      string     `json:"ip"`
}

// UnmarshalJSON decodes the upstream tunnel shape, tolerating quoted numbers
// and "true"/"false" strings.
func (t *Tunnel) UnmarshalJSON(b []byte) error {
	var w wireTunnel
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	id, err := w.ID.int("id")
	if err != nil {
		return err
	}
	localPort, err := w.LocalPort.int("nport")
	if err != nil {
		return err
	}
	remotePort, err := w.RemotePort.int("remoteport")
	if err != nil {
		return err
	}

	*t = Tunnel{
		ID:          id,
		Name:        strings.TrimSpace(w.Name),
		Type:        Protocol(strings.ToLower(strings.TrimSpace(w.Type))),
		LocalIP:     strings.TrimSpace(w.LocalIP),
		LocalPort:   localPort,
		Dorp:        string(w.Dorp),
		RemotePort:  remotePort,
		Encryption:  w.Encryption.bool(),
		Compression: w.Compression.bool(),
		Node:        strings.TrimSpace(w.Node),
		NodeIP:      strings.TrimSpace(w.NodeIP),
	}
	return nil
}

// Validate checks the fields every tunnel type needs
func (t Tunnel) Validate() error {
	if t.ID <= 0 {
		return fmt.Errorf("tunnel id must be positive, got %d", t.ID)
	}
	if !t.Type.Valid() {
		return fmt.Errorf("tunnel %d: unsupported type %q", t.ID, t.Type)
	}
	if t.LocalPort <= 0 || t.LocalPort > 65535 {
		return fmt.Errorf("tunnel %d: local port %d out of range", t.ID, t.LocalPort)
	}
	return nil
}

// LocalHost is the address the local service listens on
func (t Tunnel) LocalHost() string {
	if t.LocalIP == "" {
		return "127.0.0.1"
	}
	return t.LocalIP
}

// LocalAddress is host:port of the local service, e.g. "192.168.1.50:8080"
func (t Tunnel) LocalAddress() string {
	return net.JoinHostPort(t.LocalHost(), strconv.Itoa(t.LocalPort))
}

// ProxyName is the name of the proxy section in the generated config
func (t Tunnel) ProxyName() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("tunnel_%d", t.ID)
}

// RemotePortValue resolves the public port of a tcp/udp tunnel. A numeric dorp
// wins, then remoteport, then the local port.
func (t Tunnel) RemotePortValue() int {
	if n, err := strconv.Atoi(strings.TrimSpace(t.Dorp)); err == nil && n > 0 {
		return n
	}
	if t.RemotePort > 0 {
		return t.RemotePort
	}
	return t.LocalPort
}

var domainRe = regexp.MustCompile(`(?i)^[a-z0-9*]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)

// Domains returns the bound domains of an http/https tunnel. Invalid entries
// are reported as an error rather than skipped.
func (t Tunnel) Domains() ([]string, error) {
	var domains []string
	for _, d := range strings.Split(t.Dorp, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if d == "undefined" || d == "null" || !domainRe.MatchString(d) {
			return nil, fmt.Errorf("invalid domain %q", d)
		}
		domains = append(domains, strings.ToLower(d))
	}
	return domains, nil
}

// ServerHost derives the relay host from the tunnel's node address,
// stripping any scheme and port.
func (t Tunnel) ServerHost() string {
	host := strings.TrimSpace(t.NodeIP)
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "https://")
	if i := strings.IndexAny(host, ":/"); i >= 0 {
		host = host[:i]
	}
	return host
}
