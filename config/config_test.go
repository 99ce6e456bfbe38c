package config

import "testing"

// ── ParseTunnelSpec ──────────────────────────────────────────────────

func TestParseTunnelSpec(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantUser string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"full", "admin@bastion.example.com:2222", "admin", "bastion.example.com", 2222, false},
		{"no port", "root@gateway", "root", "gateway", 22, false},
		{"no user", "jump-host:2200", "", "jump-host", 2200, false},
		{"host only", "gateway.local", "", "gateway.local", 22, false},
		{"bad port", "user@host:999999", "", "", 0, true},
		{"empty", "", "", "", 0, true},
		{"colon only", ":", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, host, port, err := ParseTunnelSpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr = %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if user != tt.wantUser || host != tt.wantHost || port != tt.wantPort {
				t.Errorf("got (%q, %q, %d), want (%q, %q, %d)",
					user, host, port, tt.wantUser, tt.wantHost, tt.wantPort)
			}
		})
	}
}

// ── Config.Validate ──────────────────────────────────────────────────

func validConfig() Config {
	cfg := *Defaults()
	cfg.NetworkIDHex = "8056c2e21c000001"
	cfg.InterfaceIP = "10.147.20.1"
	cfg.InterfaceMask = "255.255.255.0"
	cfg.MAC = "02:04:96:f1:2c:01"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "no network id",
			mutate:  func(c *Config) { c.NetworkIDHex = "" },
			wantErr: true,
		},
		{
			name:    "bad network id",
			mutate:  func(c *Config) { c.NetworkIDHex = "not-hex" },
			wantErr: true,
		},
		{
			name:    "no interface address",
			mutate:  func(c *Config) { c.InterfaceIP = "" },
			wantErr: true,
		},
		{
			name:    "bad interface address",
			mutate:  func(c *Config) { c.InterfaceIP = "not-an-ip" },
			wantErr: true,
		},
		{
			name:    "no netmask",
			mutate:  func(c *Config) { c.InterfaceMask = "" },
			wantErr: true,
		},
		{
			name:    "bad netmask",
			mutate:  func(c *Config) { c.InterfaceMask = "bogus" },
			wantErr: true,
		},
		{
			name:    "bad gateway",
			mutate:  func(c *Config) { c.Gateway = "bogus" },
			wantErr: true,
		},
		{
			name:    "valid gateway",
			mutate:  func(c *Config) { c.Gateway = "10.147.20.254" },
			wantErr: false,
		},
		{
			name:    "no mac",
			mutate:  func(c *Config) { c.MAC = "" },
			wantErr: true,
		},
		{
			name:    "bad mac",
			mutate:  func(c *Config) { c.MAC = "not-a-mac" },
			wantErr: true,
		},
		{
			name:    "mtu not positive",
			mutate:  func(c *Config) { c.MTU = 0 },
			wantErr: true,
		},
		{
			name:    "tick period not positive",
			mutate:  func(c *Config) { c.TCPTickMS = 0 },
			wantErr: true,
		},
		{
			name:    "send buffer not positive",
			mutate:  func(c *Config) { c.TCPSndBuf = 0 },
			wantErr: true,
		},
		{
			name:    "diag tunnel spec parsed",
			mutate:  func(c *Config) { c.DiagTunnel = "admin@bastion.example.com:2222" },
			wantErr: false,
		},
		{
			name:    "bad diag tunnel spec",
			mutate:  func(c *Config) { c.DiagTunnel = ":" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_DiagTunnelFieldsPopulated(t *testing.T) {
	cfg := validConfig()
	cfg.DiagTunnel = "admin@bastion.example.com:2222"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TunnelUser != "admin" || cfg.TunnelHost != "bastion.example.com" || cfg.TunnelPort != 2222 {
		t.Errorf("got user=%q host=%q port=%d", cfg.TunnelUser, cfg.TunnelHost, cfg.TunnelPort)
	}
}
