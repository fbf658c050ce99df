package probe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"al.essio.dev/pkg/shellescape"
	"golang.org/x/crypto/ssh"

	"github.com/drydockproject/drydock/pkg/fleet"
)

// Config configures the SSH probe.
type Config struct {
	// User is the SSH login user on the workers.
	User string `yaml:"user"`
	// PrivateKeyPath locates the key used for all workers. Supports ~/.
	PrivateKeyPath string `yaml:"private_key_path"`
	// Port is the SSH port on the workers. Defaults to 22.
	Port int `yaml:"port"`
	// DialTimeout bounds connection establishment. Defaults to 10s.
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// CommandTimeout bounds each remote command. Defaults to 15s.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// Commands overrides the default agentctl command set.
	Commands CommandSet `yaml:"commands"`
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 15 * time.Second
	}
	c.Commands.applyDefaults()
}

// remoteRunner abstracts the SSH transport so the classification logic can
// be tested without a network.
type remoteRunner interface {
	connect(ctx context.Context, addr string) (remoteSession, error)
}

type remoteSession interface {
	run(ctx context.Context, cmd string) (string, error)
	close() error
}

// SSHProbe probes workers over SSH. It implements Prober and
// FinishSignaler.
type SSHProbe struct {
	cfg    Config
	runner remoteRunner
	logger *slog.Logger
}

// New returns an SSHProbe using a real SSH transport.
func New(cfg Config, logger *slog.Logger) *SSHProbe {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &SSHProbe{
		cfg:    cfg,
		runner: &sshRunner{cfg: cfg},
		logger: logger.With(slog.String("component", "probe")),
	}
}

// newWithRunner is the test seam.
func newWithRunner(cfg Config, runner remoteRunner, logger *slog.Logger) *SSHProbe {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &SSHProbe{cfg: cfg, runner: runner, logger: logger}
}

// Probe runs the liveness, state, and units commands in order over one
// connection and classifies the result. It never returns an error: every
// outcome, including unreachability, is an observation.
func (p *SSHProbe) Probe(ctx context.Context, w fleet.Worker) Observation {
	obs := Observation{
		WorkerID:    w.ID,
		Timestamp:   time.Now(),
		ClientState: StateUnknown,
	}

	session, err := p.runner.connect(ctx, p.dialAddr(w))
	if err != nil {
		obs.ClientState = StateUnreachable
		obs.Fault = &Fault{Kind: classifyConnectError(err), Detail: err.Error()}
		p.logger.Debug("probe could not connect",
			slog.String("worker_id", w.ID),
			slog.String("fault", string(obs.Fault.Kind)),
			slog.String("detail", err.Error()),
		)
		return obs
	}
	defer session.close()

	if _, err := p.runCommand(ctx, session, w, p.cfg.Commands.Liveness); err != nil {
		obs.ClientState = StateUnreachable
		obs.Fault = &Fault{Kind: FaultConnectTimeout, Detail: fmt.Sprintf("liveness command: %v", err)}
		return obs
	}
	obs.Reachable = true

	stateOut, err := p.runCommand(ctx, session, w, p.cfg.Commands.State)
	if err != nil {
		obs.Fault = &Fault{Kind: FaultParseError, Detail: fmt.Sprintf("state command: %v", err)}
		return obs
	}
	state, ok := parseState(stateOut)
	if !ok {
		obs.Fault = &Fault{Kind: FaultParseError, Detail: fmt.Sprintf("unexpected state output %q", stateOut)}
		return obs
	}

	unitsOut, err := p.runCommand(ctx, session, w, p.cfg.Commands.Units)
	if err != nil {
		obs.Fault = &Fault{Kind: FaultParseError, Detail: fmt.Sprintf("units command: %v", err)}
		return obs
	}
	units, err := strconv.Atoi(strings.TrimSpace(unitsOut))
	if err != nil || units < 0 {
		// A paused verdict requires a trustworthy unit count, so a bad
		// count forces the state back to unknown.
		obs.Fault = &Fault{Kind: FaultParseError, Detail: fmt.Sprintf("unexpected units output %q", unitsOut)}
		return obs
	}

	obs.ClientState = state
	obs.UnitsInFlight = units
	return obs
}

// SignalFinish delivers the finish-and-pause request. Errors are returned
// for the caller to retry; the agent treats repeats as no-ops.
func (p *SSHProbe) SignalFinish(ctx context.Context, w fleet.Worker) error {
	session, err := p.runner.connect(ctx, p.dialAddr(w))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", w.ID, err)
	}
	defer session.close()

	if _, err := p.runCommand(ctx, session, w, p.cfg.Commands.Finish); err != nil {
		return fmt.Errorf("finish signal to %s: %w", w.ID, err)
	}
	p.logger.Info("finish signal delivered",
		slog.String("worker_id", w.ID),
		slog.String("address", w.Address),
	)
	return nil
}

func (p *SSHProbe) dialAddr(w fleet.Worker) string {
	return net.JoinHostPort(w.Address, strconv.Itoa(p.cfg.Port))
}

func (p *SSHProbe) runCommand(ctx context.Context, session remoteSession, w fleet.Worker, cmd string) (string, error) {
	rendered, err := renderCommand(cmd, w)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CommandTimeout)
	defer cancel()
	return session.run(ctx, rendered)
}

func parseState(out string) (ClientState, bool) {
	switch strings.ToLower(strings.TrimSpace(out)) {
	case "running":
		return StateRunning, true
	case "finishing":
		return StateFinishing, true
	case "paused":
		return StatePaused, true
	}
	return StateUnknown, false
}

// classifyConnectError separates authentication rejection from plain
// unreachability. x/crypto/ssh exposes no typed auth error, so handshake
// failures are matched on the stable error strings it produces.
func classifyConnectError(err error) FaultKind {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "handshake failed") ||
		strings.Contains(msg, "no supported methods remain") {
		return FaultAuthFailure
	}
	return FaultConnectTimeout
}

type commandVars struct {
	WorkerID    string
	DisplayName string
	Backend     string
	Address     string
}

// renderCommand expands worker fields into the command template with every
// value shell-escaped.
func renderCommand(cmd string, w fleet.Worker) (string, error) {
	vars := commandVars{
		WorkerID:    shellescape.Quote(w.ID),
		DisplayName: shellescape.Quote(w.DisplayName),
		Backend:     shellescape.Quote(w.Backend),
		Address:     shellescape.Quote(w.Address),
	}
	tmpl, err := template.New("cmd").Parse(cmd)
	if err != nil {
		return "", fmt.Errorf("parsing command template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("rendering command template: %w", err)
	}
	return buf.String(), nil
}

// sshRunner is the production transport.
type sshRunner struct {
	cfg Config
}

func (r *sshRunner) connect(ctx context.Context, addr string) (remoteSession, error) {
	keyPath := r.cfg.PrivateKeyPath
	if strings.HasPrefix(keyPath, "~/") {
		home, _ := os.UserHomeDir()
		keyPath = filepath.Join(home, keyPath[2:])
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading SSH private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing SSH private key: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User: r.cfg.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// TODO(security): use known_hosts or TOFU instead of InsecureIgnoreHostKey
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.cfg.DialTimeout,
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, sshConfig)
		ch <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.client != nil {
				res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return &sshSession{client: res.client}, nil
	}
}

type sshSession struct {
	client *ssh.Client
}

func (s *sshSession) run(ctx context.Context, cmd string) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("creating SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Close()
		<-done
		return "", ctx.Err()
	case err := <-done:
		out := strings.TrimSpace(stdout.String())
		if err != nil {
			errOut := strings.TrimSpace(stderr.String())
			if errOut != "" {
				return out, fmt.Errorf("%w: stderr: %s", err, errOut)
			}
			return out, err
		}
		return out, nil
	}
}

func (s *sshSession) close() error {
	return s.client.Close()
}

var _ Prober = (*SSHProbe)(nil)
var _ FinishSignaler = (*SSHProbe)(nil)
