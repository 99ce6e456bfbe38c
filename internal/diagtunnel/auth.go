package diagtunnel

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	ncerr "github.com/nct-project/nct/internal/errors"
)

// SSHConfig holds everything needed to dial the SSH bastion the
// diagnostics tunnel forwards through.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// AllowKeyboardInteractive enables adding keyboard-interactive as
	// a fallback auth method. Public tunnel services (serveo.net,
	// localhost.run) authenticate via keyboard-interactive with empty
	// challenge responses.
	AllowKeyboardInteractive bool
}

// BuildAuthMethods assembles an ordered list of SSH authentication
// methods from the tunnel configuration.
func BuildAuthMethods(cfg *SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyPath != "" {
		m, err := publicKeyAuth(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, m)
	}

	if cfg.UseAgent {
		m, err := agentAuth()
		if err != nil {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
		methods = append(methods, m)
	}

	if cfg.PromptPass {
		m, err := passwordAuth()
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}

	if len(methods) == 0 {
		methods = defaultAuthMethods()
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no SSH authentication methods available - "+
			"use an explicit key, password prompt, or ssh-agent", ncerr.ErrAuthFailed)
	}
	return methods, nil
}

// ── individual auth builders ─────────────────────────────────────────

func publicKeyAuth(keyPath string) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			fmt.Fprintf(os.Stderr, "Enter passphrase for %s: ", keyPath)
			pass, err2 := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err2 != nil {
				return nil, fmt.Errorf("reading passphrase: %w", err2)
			}
			signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
			if err != nil {
				return nil, fmt.Errorf("decrypting key: %w", err)
			}
		} else {
			return nil, fmt.Errorf("parsing key: %w", err)
		}
	}
	return ssh.PublicKeys(signer), nil
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func passwordAuth() (ssh.AuthMethod, error) {
	fmt.Fprint(os.Stderr, "SSH password: ")
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	return ssh.Password(string(pass)), nil
}

// defaultAuthMethods tries the agent and the three most common key
// file names without any explicit configuration.
func defaultAuthMethods() []ssh.AuthMethod {
	var out []ssh.AuthMethod

	if m, err := agentAuth(); err == nil {
		out = append(out, m)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return out
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if m, err := publicKeyAuth(p); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// ── host-key verification ────────────────────────────────────────────

func hostKeyCallback(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // operator opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khFile := cfg.KnownHosts
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(khFile)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", khFile, err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := cb(hostname, remote, key); err != nil {
			return fmt.Errorf("%w: %v", ncerr.ErrHostKeyMismatch, err)
		}
		return nil
	}, nil
}
