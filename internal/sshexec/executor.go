// Package sshexec implements the Remote Executor: it runs commands on a
// named host over a multiplexed SSH connection and streams their output
// line by line. Exactly one *ssh.Client is kept alive per host ("the
// control master"); sessions are opened and closed against that shared
// client rather than dialing fresh for every command.
package sshexec

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HealthState reports the last observed connection outcome for a host.
type HealthState struct {
	Connected bool
	Reason    string
	CheckedAt time.Time
}

// HostConfig describes how to reach one remote host over SSH.
type HostConfig struct {
	Alias           string
	Address         string // host[:port]; default port 22
	User            string
	KeyPath         string
	KnownHostsPath  string // empty disables strict host-key checking
	DialTimeout     time.Duration
}

func (h HostConfig) addr() string {
	if _, _, err := net.SplitHostPort(h.Address); err == nil {
		return h.Address
	}
	return net.JoinHostPort(h.Address, "22")
}

// Executor manages one SSH client per host and runs commands against it.
type Executor struct {
	mu      sync.Mutex
	clients map[string]*ssh.Client
	configs map[string]HostConfig
}

// New creates an Executor with no hosts configured yet.
func New() *Executor {
	return &Executor{
		clients: make(map[string]*ssh.Client),
		configs: make(map[string]HostConfig),
	}
}

// AddHost registers (or replaces) the connection configuration for a host.
// It does not dial -- dialing happens lazily on first use.
func (e *Executor) AddHost(cfg HostConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs[cfg.Alias] = cfg
	if old, ok := e.clients[cfg.Alias]; ok {
		old.Close()
		delete(e.clients, cfg.Alias)
	}
}

// RemoveHost closes and forgets a host.
func (e *Executor) RemoveHost(alias string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[alias]; ok {
		c.Close()
		delete(e.clients, alias)
	}
	delete(e.configs, alias)
}

func (e *Executor) clientFor(alias string) (*ssh.Client, error) {
	e.mu.Lock()
	if c, ok := e.clients[alias]; ok {
		e.mu.Unlock()
		return c, nil
	}
	cfg, ok := e.configs[alias]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sshexec: unknown host %q", alias)
	}

	client, err := dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("sshexec: dial %s: %w", alias, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Another goroutine may have dialed concurrently; keep whichever
	// client is already registered and close the loser.
	if existing, ok := e.clients[alias]; ok {
		client.Close()
		return existing, nil
	}
	e.clients[alias] = client
	return client, nil
}

func dial(cfg HostConfig) (*ssh.Client, error) {
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", cfg.KeyPath, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", cfg.KnownHostsPath, err)
		}
		hostKeyCallback = cb
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	return ssh.Dial("tcp", cfg.addr(), clientCfg)
}

// Run executes argv on the named host and returns its exit code and
// captured stdout/stderr. argv elements are validated against
// argPattern before being joined, since SSH sessions take one
// opaque command string rather than an argv slice.
func (e *Executor) Run(ctx context.Context, alias string, argv []string) (exitCode int, stdout, stderr []byte, err error) {
	if err := validateArgv(argv); err != nil {
		return -1, nil, nil, err
	}

	client, err := e.clientFor(alias)
	if err != nil {
		return -1, nil, nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		e.invalidate(alias)
		return -1, nil, nil, fmt.Errorf("sshexec: new session on %s: %w", alias, err)
	}
	defer session.Close()

	var outBuf, errBuf writeBuffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(joinArgv(argv)) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		session.Close()
		return -1, outBuf.Bytes(), errBuf.Bytes(), ctx.Err()
	case runErr := <-done:
		code := 0
		if runErr != nil {
			if exitErr, ok := runErr.(*ssh.ExitError); ok {
				code = exitErr.ExitStatus()
				runErr = nil
			}
		}
		return code, outBuf.Bytes(), errBuf.Bytes(), runErr
	}
}

// Stream executes argv on the named host and returns a channel of
// stdout lines plus a cancel function that terminates the session.
func (e *Executor) Stream(ctx context.Context, alias string, argv []string) (<-chan string, func(), error) {
	if err := validateArgv(argv); err != nil {
		return nil, nil, err
	}

	client, err := e.clientFor(alias)
	if err != nil {
		return nil, nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		e.invalidate(alias)
		return nil, nil, fmt.Errorf("sshexec: new session on %s: %w", alias, err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("sshexec: stdout pipe on %s: %w", alias, err)
	}

	if err := session.Start(joinArgv(argv)); err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("sshexec: start on %s: %w", alias, err)
	}

	lines := make(chan string, 256)
	var closeOnce sync.Once
	cancel := func() {
		closeOnce.Do(func() {
			session.Close()
		})
	}

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		session.Wait()
	}()

	return lines, cancel, nil
}

// Health reports the current reachability of a host without dialing.
func (e *Executor) Health(alias string) HealthState {
	e.mu.Lock()
	_, connected := e.clients[alias]
	e.mu.Unlock()
	if connected {
		return HealthState{Connected: true, CheckedAt: time.Now()}
	}
	return HealthState{Connected: false, Reason: "not connected", CheckedAt: time.Now()}
}

// Close shuts down every client the Executor holds.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for alias, c := range e.clients {
		c.Close()
		delete(e.clients, alias)
	}
}

func (e *Executor) invalidate(alias string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[alias]; ok {
		c.Close()
		delete(e.clients, alias)
	}
}
