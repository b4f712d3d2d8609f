package frpc

import (
	"bytes"
	"errors"
	"testing"

	"gopkg.in/ini.v1"
)

var testAuth = Auth{
	ServerAddr: "relay.example.net",
	ServerPort: 7000,
	User:       "user-token",
	Token:      "system-token",
	AdminPort:  7407,
}

func loadRendered(t *testing.T, data []byte) *ini.File {
	t.Helper()
	cfg, err := ini.Load(data)
	if err != nil {
		t.Fatalf("rendered config does not parse: %v\n%s", err, data)
	}
	return cfg
}

func TestRender_TCPTunnel(t *testing.T) {
	tun := Tunnel{ID: 7, Name: "ssh", Type: ProtocolTCP, LocalIP: "192.168.1.50", LocalPort: 8080, Dorp: "20000", Node: "N1"}

	data, err := Render(tun, testAuth)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	cfg := loadRendered(t, data)

	common := cfg.Section("common")
	checks := map[string]string{
		"server_addr":     "relay.example.net",
		"server_port":     "7000",
		"user":            "user-token",
		"token":           "system-token",
		"log_file":        "console",
		"admin_addr":      "127.0.0.1",
		"admin_port":      "7407",
		"login_fail_exit": "false",
	}
	for key, want := range checks {
		if got := common.Key(key).String(); got != want {
			t.Errorf("[common] %s = %q, want %q", key, got, want)
		}
	}

	proxy := cfg.Section("ssh")
	if got := proxy.Key("type").String(); got != "tcp" {
		t.Errorf("type = %q", got)
	}
	if got := proxy.Key("local_ip").String(); got != "192.168.1.50" {
		t.Errorf("local_ip = %q", got)
	}
	if got := proxy.Key("local_port").MustInt(0); got != 8080 {
		t.Errorf("local_port = %d", got)
	}
	if got := proxy.Key("remote_port").MustInt(0); got != 20000 {
		t.Errorf("remote_port = %d", got)
	}
	if proxy.HasKey("custom_domains") {
		t.Error("tcp proxy must not carry custom_domains")
	}
	if proxy.HasKey("use_encryption") || proxy.HasKey("use_compression") {
		t.Error("disabled flags should be omitted")
	}
}

func TestRender_HTTPTunnel(t *testing.T) {
	tun := Tunnel{ID: 12, Name: "blog", Type: ProtocolHTTP, LocalPort: 80, Dorp: "blog.example.com", Encryption: true, Compression: true}

	data, err := Render(tun, testAuth)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	proxy := loadRendered(t, data).Section("blog")

	if got := proxy.Key("custom_domains").String(); got != "blog.example.com" {
		t.Errorf("custom_domains = %q", got)
	}
	if proxy.HasKey("remote_port") {
		t.Error("http proxy must not carry remote_port")
	}
	if got := proxy.Key("local_ip").String(); got != "127.0.0.1" {
		t.Errorf("local_ip default = %q", got)
	}
	if !proxy.Key("use_encryption").MustBool(false) || !proxy.Key("use_compression").MustBool(false) {
		t.Error("expected encryption and compression to be enabled")
	}
}

func TestRender_IsDeterministic(t *testing.T) {
	tunnels := []Tunnel{
		{ID: 1, Name: "a", Type: ProtocolTCP, LocalPort: 22, Dorp: "10022"},
		{ID: 2, Name: "b", Type: ProtocolUDP, LocalPort: 53, RemotePort: 10053, Encryption: true},
		{ID: 3, Name: "c", Type: ProtocolHTTPS, LocalPort: 443, Dorp: "c.example.com,d.example.com"},
	}

	for _, tun := range tunnels {
		first, err := Render(tun, testAuth)
		if err != nil {
			t.Fatalf("Render(%d) failed: %v", tun.ID, err)
		}
		for i := 0; i < 5; i++ {
			again, err := Render(tun, testAuth)
			if err != nil {
				t.Fatalf("Render(%d) failed: %v", tun.ID, err)
			}
			if !bytes.Equal(first, again) {
				t.Fatalf("Render(%d) not byte-identical:\n%s\n---\n%s", tun.ID, first, again)
			}
		}
	}
}

func TestRender_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		tunnel    Tunnel
		auth      Auth
		wantField string
	}{
		{
			name:      "http without domain",
			tunnel:    Tunnel{ID: 5, Name: "web", Type: ProtocolHTTP, LocalPort: 80},
			auth:      testAuth,
			wantField: "dorp",
		},
		{
			name:      "https with undefined domain",
			tunnel:    Tunnel{ID: 5, Name: "web", Type: ProtocolHTTPS, LocalPort: 443, Dorp: "undefined"},
			auth:      testAuth,
			wantField: "dorp",
		},
		{
			name:      "invalid tunnel",
			tunnel:    Tunnel{ID: 5, Type: "xtcp", LocalPort: 80},
			auth:      testAuth,
			wantField: "tunnel",
		},
		{
			name:      "no server address",
			tunnel:    Tunnel{ID: 5, Type: ProtocolTCP, LocalPort: 80},
			auth:      Auth{},
			wantField: "server_addr",
		},
		{
			name:      "section breaking name",
			tunnel:    Tunnel{ID: 5, Name: "evil]\n[common", Type: ProtocolTCP, LocalPort: 80},
			auth:      testAuth,
			wantField: "name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Render(tt.tunnel, tt.auth)
			if err == nil {
				t.Fatalf("expected error, got config:\n%s", data)
			}
			var renderErr *RenderError
			if !errors.As(err, &renderErr) {
				t.Fatalf("expected *RenderError, got %T: %v", err, err)
			}
			if renderErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", renderErr.Field, tt.wantField)
			}
		})
	}

	_, err := Render(Tunnel{ID: 5, Name: "web", Type: ProtocolHTTP, LocalPort: 80}, testAuth)
	if !errors.Is(err, ErrMissingDomain) {
		t.Errorf("expected ErrMissingDomain, got %v", err)
	}
}

func TestRender_AdminPortOptional(t *testing.T) {
	auth := testAuth
	auth.AdminPort = 0

	data, err := Render(Tunnel{ID: 1, Type: ProtocolTCP, LocalPort: 22}, auth)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	common := loadRendered(t, data).Section("common")
	if common.HasKey("admin_port") || common.HasKey("admin_addr") {
		t.Error("admin listener should be omitted when no port is set")
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath("/etc/frpvisor/tunnels", 42)
	if path != "/etc/frpvisor/tunnels/tunnel_42.ini" {
		t.Errorf("ConfigPath = %q", path)
	}

	tests := []struct {
		path   string
		wantID int
		wantOK bool
	}{
		{path, 42, true},
		{"tunnel_7.ini", 7, true},
		{"/tmp/tunnel_7.ini.tmp", 0, false},
		{"/tmp/tunnel_x.ini", 0, false},
		{"/tmp/frpc.ini", 0, false},
		{"/tmp/tunnel_0.ini", 0, false},
	}
	for _, tt := range tests {
		id, ok := ParseConfigPath(tt.path)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("ParseConfigPath(%q) = (%d, %v), want (%d, %v)", tt.path, id, ok, tt.wantID, tt.wantOK)
		}
	}
}
