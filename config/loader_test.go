package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadFromEnv_Network(t *testing.T) {
	t.Setenv("NCT_NETWORK", "8056c2e21c000001")
	cfg := &Config{}
	LoadFromEnv(cfg)
	if cfg.NetworkIDHex != "8056c2e21c000001" {
		t.Errorf("NetworkIDHex = %q", cfg.NetworkIDHex)
	}
}

func TestLoadFromEnv_InterfaceFields(t *testing.T) {
	t.Setenv("NCT_ADDR", "10.147.20.1")
	t.Setenv("NCT_NETMASK", "255.255.255.0")
	t.Setenv("NCT_GATEWAY", "10.147.20.254")
	t.Setenv("NCT_MAC", "02:04:96:f1:2c:01")

	cfg := &Config{}
	LoadFromEnv(cfg)

	if cfg.InterfaceIP != "10.147.20.1" {
		t.Errorf("InterfaceIP = %q", cfg.InterfaceIP)
	}
	if cfg.InterfaceMask != "255.255.255.0" {
		t.Errorf("InterfaceMask = %q", cfg.InterfaceMask)
	}
	if cfg.Gateway != "10.147.20.254" {
		t.Errorf("Gateway = %q", cfg.Gateway)
	}
	if cfg.MAC != "02:04:96:f1:2c:01" {
		t.Errorf("MAC = %q", cfg.MAC)
	}
}

func TestLoadFromEnv_MTU(t *testing.T) {
	t.Setenv("NCT_MTU", "1500")
	cfg := &Config{}
	LoadFromEnv(cfg)
	if cfg.MTU != 1500 {
		t.Errorf("MTU = %d, want 1500", cfg.MTU)
	}
}

func TestLoadFromEnv_RendezvousDir(t *testing.T) {
	t.Setenv("NCT_RENDEZVOUS_DIR", "/var/run/nct")
	cfg := &Config{}
	LoadFromEnv(cfg)
	if cfg.RendezvousDir != "/var/run/nct" {
		t.Errorf("RendezvousDir = %q", cfg.RendezvousDir)
	}
}

func TestLoadFromEnv_Diagnostics(t *testing.T) {
	t.Setenv("NCT_DIAG_ADDR", "127.0.0.1:8800")
	t.Setenv("NCT_DIAG_TUNNEL", "admin@bastion.example.com:2222")

	cfg := &Config{}
	LoadFromEnv(cfg)

	if cfg.DiagAddr != "127.0.0.1:8800" {
		t.Errorf("DiagAddr = %q", cfg.DiagAddr)
	}
	if cfg.DiagTunnel != "admin@bastion.example.com:2222" {
		t.Errorf("DiagTunnel = %q", cfg.DiagTunnel)
	}
}

func TestLoadFromEnv_SSHFields(t *testing.T) {
	t.Setenv("NCT_SSH_KEY", "/home/user/.ssh/id_rsa")
	t.Setenv("NCT_SSH_PASSWORD", "true")
	t.Setenv("NCT_SSH_AGENT", "1")
	t.Setenv("NCT_STRICT_HOSTKEY", "yes")
	t.Setenv("NCT_KNOWN_HOSTS", "/custom/known_hosts")

	cfg := &Config{}
	LoadFromEnv(cfg)

	if cfg.SSHKeyPath != "/home/user/.ssh/id_rsa" {
		t.Errorf("SSHKeyPath = %q", cfg.SSHKeyPath)
	}
	if !cfg.SSHPassword {
		t.Error("SSHPassword should be true")
	}
	if !cfg.UseSSHAgent {
		t.Error("UseSSHAgent should be true")
	}
	if !cfg.StrictHostKey {
		t.Error("StrictHostKey should be true")
	}
	if cfg.KnownHostsPath != "/custom/known_hosts" {
		t.Errorf("KnownHostsPath = %q", cfg.KnownHostsPath)
	}
}

func TestLoadFromEnv_ReverseTunnel(t *testing.T) {
	t.Setenv("NCT_REMOTE_PORT", "80")
	t.Setenv("NCT_REMOTE_BIND_ADDRESS", "0.0.0.0")
	t.Setenv("NCT_KEEP_ALIVE", "60")
	t.Setenv("NCT_AUTO_RECONNECT", "true")

	cfg := &Config{}
	LoadFromEnv(cfg)

	if cfg.RemotePort != 80 {
		t.Errorf("RemotePort = %d", cfg.RemotePort)
	}
	if cfg.RemoteBindAddress != "0.0.0.0" {
		t.Errorf("RemoteBindAddress = %q", cfg.RemoteBindAddress)
	}
	if cfg.TunnelKeepAlive != 60*time.Second {
		t.Errorf("TunnelKeepAlive = %v, want 60s", cfg.TunnelKeepAlive)
	}
	if !cfg.TunnelAutoReconnect {
		t.Error("TunnelAutoReconnect should be true")
	}
}

func TestLoadFromEnv_NoOverrideWhenEmpty(t *testing.T) {
	// Ensure no NCT_ vars are set.
	os.Clearenv()

	cfg := &Config{InterfaceIP: "original", MTU: 1234}
	LoadFromEnv(cfg)

	if cfg.InterfaceIP != "original" {
		t.Errorf("InterfaceIP was overridden: %q", cfg.InterfaceIP)
	}
	if cfg.MTU != 1234 {
		t.Errorf("MTU was overridden: %d", cfg.MTU)
	}
}

func TestLoadFromEnv_InvalidIntIgnored(t *testing.T) {
	t.Setenv("NCT_MTU", "not-a-number")
	cfg := &Config{}
	LoadFromEnv(cfg)
	if cfg.MTU != 0 {
		t.Errorf("MTU should be 0 for invalid input, got %d", cfg.MTU)
	}
}

func TestLoadFromEnv_Verbose(t *testing.T) {
	t.Setenv("NCT_VERBOSE", "3")
	cfg := &Config{}
	LoadFromEnv(cfg)
	if cfg.Verbose != 3 {
		t.Errorf("Verbose = %d, want 3", cfg.Verbose)
	}
}
