// Package tunnel opens an SSH local port forward so a transport can
// reach a broker that is only visible from a bastion host.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config describes the forward: connections to LocalAddr are carried
// over SSH to Target and dialed from there to RemoteAddr.
type Config struct {
	// Target is [user@]host[:port] of the SSH server.
	Target     string
	LocalAddr  string
	RemoteAddr string

	// KeyFile is a private key; defaults to ~/.ssh/id_ed25519, then
	// ~/.ssh/id_rsa.
	KeyFile string
	// KnownHosts defaults to ~/.ssh/known_hosts.
	KnownHosts string

	// Signer and HostKeyCallback override KeyFile and KnownHosts.
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback

	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Tunnel is an open forward. Close it to tear down the listener, every
// forwarded connection and the SSH session.
type Tunnel struct {
	client *ssh.Client
	ln     net.Listener
	remote string
	logger *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	mu        sync.Mutex
	conns     map[io.Closer]struct{}
	closed    bool
}

// Open connects to the SSH server and starts forwarding.
func Open(ctx context.Context, cfg Config) (*Tunnel, error) {
	if cfg.Target == "" || cfg.RemoteAddr == "" {
		return nil, errors.New("tunnel: target and remote address are required")
	}
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = "127.0.0.1:0"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	username, addr := splitTarget(cfg.Target)
	clientCfg, err := clientConfig(cfg, username)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, addr, clientCfg)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("tunnel: handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	ln, err := net.Listen("tcp", cfg.LocalAddr)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("tunnel: listen %s: %w", cfg.LocalAddr, err)
	}

	t := &Tunnel{
		client: client,
		ln:     ln,
		remote: cfg.RemoteAddr,
		logger: cfg.Logger.With("component", "tunnel", "ssh", addr),
		conns:  make(map[io.Closer]struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()

	t.logger.Info("ssh tunnel open", "local", ln.Addr().String(), "remote", cfg.RemoteAddr)
	return t, nil
}

// Addr is the local end of the forward.
func (t *Tunnel) Addr() string { return t.ln.Addr().String() }

// Close stops forwarding and closes the SSH session. Safe to call more
// than once.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.logger.Info("Closing ssh tunnel...")
		t.mu.Lock()
		t.closed = true
		for c := range t.conns {
			c.Close()
		}
		t.mu.Unlock()

		errLn := t.ln.Close()
		errClient := t.client.Close()
		t.wg.Wait()
		t.closeErr = errors.Join(errLn, errClient)
	})
	return t.closeErr
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("accept failed", "err", err)
			continue
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

func (t *Tunnel) forward(local net.Conn) {
	defer t.wg.Done()

	remote, err := t.client.Dial("tcp", t.remote)
	if err != nil {
		t.logger.Warn("remote dial failed", "remote", t.remote, "err", err)
		local.Close()
		return
	}
	if !t.track(local, remote) {
		local.Close()
		remote.Close()
		return
	}
	defer t.untrack(local, remote)

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		io.Copy(remote, local)
		remote.Close()
	}()
	go func() {
		defer pipes.Done()
		io.Copy(local, remote)
		local.Close()
	}()
	pipes.Wait()
}

func (t *Tunnel) track(cs ...io.Closer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	for _, c := range cs {
		t.conns[c] = struct{}{}
	}
	return true
}

func (t *Tunnel) untrack(cs ...io.Closer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range cs {
		delete(t.conns, c)
	}
}

// splitTarget parses [user@]host[:port], defaulting the user to the
// current login and the port to 22.
func splitTarget(target string) (username, addr string) {
	host := target
	if at := strings.LastIndex(target, "@"); at >= 0 {
		username, host = target[:at], target[at+1:]
	}
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "22")
	}
	return username, host
}

func clientConfig(cfg Config, username string) (*ssh.ClientConfig, error) {
	signer := cfg.Signer
	if signer == nil {
		var err error
		if signer, err = loadSigner(cfg.KeyFile); err != nil {
			return nil, err
		}
	}

	hostKey := cfg.HostKeyCallback
	if hostKey == nil {
		path := cfg.KnownHosts
		if path == "" {
			path = homePath(".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("tunnel: known hosts %s: %w", path, err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         cfg.DialTimeout,
	}, nil
}

func loadSigner(keyFile string) (ssh.Signer, error) {
	candidates := []string{keyFile}
	if keyFile == "" {
		candidates = []string{homePath(".ssh", "id_ed25519"), homePath(".ssh", "id_rsa")}
	}
	var lastErr error
	for _, path := range candidates {
		pem, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("tunnel: parse key %s: %w", path, err)
		}
		return signer, nil
	}
	return nil, fmt.Errorf("tunnel: no usable private key: %w", lastErr)
}

func homePath(parts ...string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(parts...)
	}
	return filepath.Join(append([]string{home}, parts...)...)
}
