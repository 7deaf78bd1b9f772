// Package sandbox manages the ephemeral environments a deployment installs,
// builds, and deploys in. A sandbox is owned by exactly one workflow
// execution; providers reclaim sandboxes whose lifetime expired even if
// Terminate is never called.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/edgedeploy/internal/deployerr"
	"github.com/edvin/edgedeploy/internal/metrics"
)

// Per-command bounds.
const (
	CreateTimeout    = 2 * time.Minute
	BuildTimeout     = 5 * time.Minute
	DeployTimeout    = 3 * time.Minute
	CommandTimeout   = 30 * time.Second
	TerminateTimeout = 30 * time.Second
)

// Spec describes the sandbox to create.
type Spec struct {
	Template string
	Image    string
	// Lifetime bounds how long the provider keeps the sandbox alive.
	Lifetime time.Duration
	Env      map[string]string
	Labels   map[string]string
}

// Handle is a connection to a running sandbox.
type Handle struct {
	ID       string
	Provider string
	Workdir  string
}

// ExecResult is the captured output of one command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Provider is implemented by sandbox backends.
type Provider interface {
	Name() string
	Create(ctx context.Context, spec Spec) (string, error)
	Connect(ctx context.Context, id string) (*Handle, error)
	Exec(ctx context.Context, h *Handle, cmd string, env map[string]string) (*ExecResult, error)
	WriteFile(ctx context.Context, h *Handle, path string, content []byte) error
	FileExists(ctx context.Context, h *Handle, path string) (bool, error)
	Terminate(ctx context.Context, id string) error
}

// Manager applies timeouts and error classification on top of a Provider.
type Manager struct {
	provider Provider
	logger   zerolog.Logger
}

func NewManager(provider Provider, logger zerolog.Logger) *Manager {
	return &Manager{
		provider: provider,
		logger:   logger.With().Str("component", "sandbox").Str("provider", provider.Name()).Logger(),
	}
}

// ProviderName returns the name of the underlying provider.
func (m *Manager) ProviderName() string {
	return m.provider.Name()
}

// Create provisions a sandbox and returns its id.
func (m *Manager) Create(ctx context.Context, spec Spec, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id, err := m.provider.Create(ctx, spec)
	if err != nil {
		return "", deployerr.NewSandboxProvisioningError("create", err)
	}
	m.logger.Info().Str("sandbox_id", id).Str("image", spec.Image).Dur("lifetime", spec.Lifetime).Msg("sandbox created")
	return id, nil
}

// Connect attaches to an existing sandbox.
func (m *Manager) Connect(ctx context.Context, id string) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	h, err := m.provider.Connect(ctx, id)
	if err != nil {
		return nil, deployerr.NewSandboxProvisioningError("connect", err)
	}
	return h, nil
}

// Exec runs cmd with a timeout. A non-zero exit code is not an error here;
// callers decide with RequireSuccess.
func (m *Manager) Exec(ctx context.Context, h *Handle, cmd string, env map[string]string, timeout time.Duration) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := m.provider.Exec(ctx, h, cmd, env)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("command %q timed out after %s: %w", cmd, timeout, err)
		}
		return nil, fmt.Errorf("exec %q: %w", cmd, err)
	}
	m.logger.Debug().
		Str("sandbox_id", h.ID).
		Str("cmd", cmd).
		Int("exit_code", res.ExitCode).
		Dur("duration", time.Since(start)).
		Msg("command finished")
	return res, nil
}

// RequireSuccess turns a non-zero exit into a CommandExecutionError.
func RequireSuccess(cmd string, res *ExecResult) error {
	if res.ExitCode != 0 {
		return deployerr.NewCommandExecutionError(cmd, res.ExitCode, res.Stderr)
	}
	return nil
}

// WriteFile writes one file with the generic command timeout.
func (m *Manager) WriteFile(ctx context.Context, h *Handle, path string, content []byte) error {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	if err := m.provider.WriteFile(ctx, h, path, content); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// FileExists checks for path inside the sandbox.
func (m *Manager) FileExists(ctx context.Context, h *Handle, path string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	ok, err := m.provider.FileExists(ctx, h, path)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return ok, nil
}

// Terminate destroys the sandbox within timeout. Failures are returned for
// the caller to log; the provider's lifetime bound reclaims what leaks.
func (m *Manager) Terminate(ctx context.Context, id string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	err := m.provider.Terminate(ctx, id)
	metrics.SandboxTerminationsTotal.WithLabelValues(metrics.Result(err == nil)).Inc()
	if err != nil {
		m.logger.Warn().Err(err).Str("sandbox_id", id).Msg("sandbox termination failed, relying on provider lifetime")
		return fmt.Errorf("terminate sandbox %s: %w", id, err)
	}
	m.logger.Info().Str("sandbox_id", id).Msg("sandbox terminated")
	return nil
}
