package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags            (handled by cmd/nctd)
//   2. Environment variables (this file)
//   3. Defaults              (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFromEnv overlays environment variables onto cfg. Only non-empty
// env vars override the existing value. This should be called BEFORE
// CLI flag parsing so that flags take precedence. Every supported env
// var uses the NCT_ prefix; boolean values accept "1", "true", "yes"
// (case-insensitive).
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("NCT_NETWORK"); v != "" {
		cfg.NetworkIDHex = v
	}
	if v := os.Getenv("NCT_RENDEZVOUS_DIR"); v != "" {
		cfg.RendezvousDir = v
	}
	if v := os.Getenv("NCT_ADDR"); v != "" {
		cfg.InterfaceIP = v
	}
	if v := os.Getenv("NCT_NETMASK"); v != "" {
		cfg.InterfaceMask = v
	}
	if v := os.Getenv("NCT_GATEWAY"); v != "" {
		cfg.Gateway = v
	}
	if v := os.Getenv("NCT_MAC"); v != "" {
		cfg.MAC = v
	}
	if v := envInt("NCT_MTU"); v > 0 {
		cfg.MTU = v
	}

	// Diagnostics
	if v := os.Getenv("NCT_DIAG_ADDR"); v != "" {
		cfg.DiagAddr = v
	}
	if v := os.Getenv("NCT_DIAG_TUNNEL"); v != "" {
		cfg.DiagTunnel = v
	}
	if v := os.Getenv("NCT_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("NCT_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("NCT_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("NCT_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("NCT_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v := envInt("NCT_REMOTE_PORT"); v > 0 {
		cfg.RemotePort = v
	}
	if v := os.Getenv("NCT_REMOTE_BIND_ADDRESS"); v != "" {
		cfg.RemoteBindAddress = v
	}
	if v := envInt("NCT_KEEP_ALIVE"); v > 0 {
		cfg.TunnelKeepAlive = time.Duration(v) * time.Second
	}
	if envBool("NCT_AUTO_RECONNECT") {
		cfg.TunnelAutoReconnect = true
	}

	// Output
	if v := envInt("NCT_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}
