package frpc

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// ErrMissingDomain is returned when an http/https tunnel has no bound domain
var ErrMissingDomain = errors.New("http/https tunnel has no bound domain")

// Auth is the resolved relay-server context a config is rendered with
type Auth struct {
	ServerAddr string
	ServerPort int
	User       string // user identifier announced to the relay
	Token      string // relay auth secret
	AdminPort  int    // local admin listener, 0 disables it
}

// RenderError reports a tunnel that cannot be turned into a config. No
// process may be spawned for it.
type RenderError struct {
	TunnelID int
	Field    string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("tunnel %d: cannot render %s: %v", e.TunnelID, e.Field, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

type commonSection struct {
	ServerAddr        string `ini:"server_addr"`
	ServerPort        int    `ini:"server_port"`
	TLSEnable         bool   `ini:"tls_enable"`
	User              string `ini:"user,omitempty"`
	Token             string `ini:"token,omitempty"`
	LogFile           string `ini:"log_file"`
	LogLevel          string `ini:"log_level"`
	AdminAddr         string `ini:"admin_addr,omitempty"`
	AdminPort         int    `ini:"admin_port,omitempty"`
	HeartbeatInterval int    `ini:"heartbeat_interval"`
	HeartbeatTimeout  int    `ini:"heartbeat_timeout"`
	DialServerTimeout int    `ini:"dial_server_timeout"`
	LoginFailExit     bool   `ini:"login_fail_exit"`
}

// streamProxy is the proxy section of tcp and udp tunnels
type streamProxy struct {
	Type           string `ini:"type"`
	LocalIP        string `ini:"local_ip"`
	LocalPort      int    `ini:"local_port"`
	RemotePort     int    `ini:"remote_port"`
	UseEncryption  bool   `ini:"use_encryption,omitempty"`
	UseCompression bool   `ini:"use_compression,omitempty"`
}

// webProxy is the proxy section of http and https tunnels
type webProxy struct {
	Type           string `ini:"type"`
	LocalIP        string `ini:"local_ip"`
	LocalPort      int    `ini:"local_port"`
	CustomDomains  string `ini:"custom_domains"`
	UseEncryption  bool   `ini:"use_encryption,omitempty"`
	UseCompression bool   `ini:"use_compression,omitempty"`
}

var sectionNameRe = regexp.MustCompile(`^[^\[\]\r\n;#]+$`)

// Render produces the frpc configuration for one tunnel. Identical inputs
// always produce identical bytes.
func Render(t Tunnel, auth Auth) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, &RenderError{TunnelID: t.ID, Field: "tunnel", Err: err}
	}
	if strings.TrimSpace(auth.ServerAddr) == "" {
		return nil, &RenderError{TunnelID: t.ID, Field: "server_addr", Err: errors.New("no relay server address")}
	}
	name := t.ProxyName()
	if !sectionNameRe.MatchString(name) || strings.EqualFold(name, "common") {
		return nil, &RenderError{TunnelID: t.ID, Field: "name", Err: fmt.Errorf("unusable proxy name %q", name)}
	}

	proxy, err := proxyFor(t)
	if err != nil {
		return nil, err
	}

	common := commonSection{
		ServerAddr:        strings.TrimSpace(auth.ServerAddr),
		ServerPort:        auth.ServerPort,
		User:              auth.User,
		Token:             auth.Token,
		LogFile:           "console",
		LogLevel:          "info",
		HeartbeatInterval: 20,
		HeartbeatTimeout:  60,
		DialServerTimeout: 10,
	}
	if common.ServerPort == 0 {
		common.ServerPort = 7000
	}
	if auth.AdminPort > 0 {
		common.AdminAddr = "127.0.0.1"
		common.AdminPort = auth.AdminPort
	}

	cfg := ini.Empty()
	if err := reflectSection(cfg, "common", &common); err != nil {
		return nil, &RenderError{TunnelID: t.ID, Field: "common", Err: err}
	}
	if err := reflectSection(cfg, name, proxy); err != nil {
		return nil, &RenderError{TunnelID: t.ID, Field: "proxy", Err: err}
	}

	var buf bytes.Buffer
	if _, err := cfg.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write config for tunnel %d: %w", t.ID, err)
	}
	return buf.Bytes(), nil
}

func proxyFor(t Tunnel) (any, error) {
	if t.Type.IsWeb() {
		domains, err := t.Domains()
		if err != nil {
			return nil, &RenderError{TunnelID: t.ID, Field: "dorp", Err: err}
		}
		if len(domains) == 0 {
			return nil, &RenderError{TunnelID: t.ID, Field: "dorp", Err: ErrMissingDomain}
		}
		return &webProxy{
			Type:           string(t.Type),
			LocalIP:        t.LocalHost(),
			LocalPort:      t.LocalPort,
			CustomDomains:  strings.Join(domains, ","),
			UseEncryption:  t.Encryption,
			UseCompression: t.Compression,
		}, nil
	}

	remote := t.RemotePortValue()
	if remote <= 0 || remote > 65535 {
		return nil, &RenderError{TunnelID: t.ID, Field: "remote_port", Err: fmt.Errorf("port %d out of range", remote)}
	}
	return &streamProxy{
		Type:           string(t.Type),
		LocalIP:        t.LocalHost(),
		LocalPort:      t.LocalPort,
		RemotePort:     remote,
		UseEncryption:  t.Encryption,
		UseCompression: t.Compression,
	}, nil
}

func reflectSection(cfg *ini.File, name string, v any) error {
	sec, err := cfg.NewSection(name)
	if err != nil {
		return err
	}
	return sec.ReflectFrom(v)
}

// ConfigPath is where the config of tunnel id lives inside dir
func ConfigPath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("tunnel_%d.ini", id))
}

var configNameRe = regexp.MustCompile(`^tunnel_(\d+)\.ini$`)

// ParseConfigPath extracts the tunnel id from a path produced by ConfigPath
func ParseConfigPath(path string) (int, bool) {
	m := configNameRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, false
	}
	id, err := strconv.Atoi(m[1])
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
