// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

// Package emulator provides a Go library for running isolated Android
// emulator instances inside automated build jobs, with host-wide port
// reservation and console command execution.
package emulator

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forkbombeu/emujob/internal/emu"
	"github.com/forkbombeu/emujob/internal/portpool"
)

var tracer = otel.Tracer("emujob")

// Manager provides high-level emulator instance operations for one host.
type Manager struct {
	env emu.Env
}

// New creates a new Manager with auto-detected environment.
func New() *Manager {
	return &Manager{
		env: emu.Detect(),
	}
}

// NewWithCorrelationID creates a new Manager with a correlation ID for structured logs.
func NewWithCorrelationID(correlationID string) *Manager {
	return NewWithContextAndCorrelationID(context.Background(), correlationID)
}

// NewWithContext creates a new Manager with a custom context for tracing.
func NewWithContext(ctx context.Context) *Manager {
	return NewWithContextAndCorrelationID(ctx, "")
}

// NewWithContextAndCorrelationID creates a new Manager with a custom context and correlation ID.
func NewWithContextAndCorrelationID(ctx context.Context, correlationID string) *Manager {
	env := emu.Detect()
	if ctx == nil {
		ctx = context.Background()
	}
	env.Context = ctx
	env.CorrelationID = correlationID
	return &Manager{
		env: env,
	}
}

// NewWithEnv creates a new Manager with custom environment configuration.
func NewWithEnv(env Environment) *Manager {
	ctx := env.Context
	if ctx == nil {
		ctx = context.Background()
	}
	detected := emu.Detect()
	e := emu.Env{
		SDKRoot:       env.SDKRoot,
		SDKHome:       env.SDKHome,
		Emulator:      env.EmulatorBin,
		PoolDir:       env.PoolDir,
		Scope:         env.Scope,
		CorrelationID: env.CorrelationID,
		Context:       ctx,
	}
	if e.Emulator == "" {
		e.Emulator = detected.Emulator
	}
	if e.PoolDir == "" {
		e.PoolDir = detected.PoolDir
	}
	if e.Scope == "" {
		e.Scope = detected.Scope
	}
	return &Manager{env: e}
}

// Environment holds configuration for emulator tools and the port pool.
type Environment struct {
	SDKRoot       string          // ANDROID_SDK_ROOT
	SDKHome       string          // ANDROID_SDK_HOME (empty when unknown)
	EmulatorBin   string          // Path to emulator binary (default: "emulator")
	PoolDir       string          // Directory of the host-wide port ledger
	Scope         string          // Port pool scope key (default: host name)
	CorrelationID string          // Correlation ID for log enrichment
	Context       context.Context // Context for tracing
}

// PortSet describes the four ports reserved for one instance.
type PortSet struct {
	User      int    // Even telnet console port
	ADB       int    // Device transport port, always User + 1
	ADBServer int    // Private adb daemon port
	Callback  int    // Private notification port
	Serial    string // adb qualifier, "emulator-<User>"
}

// ContextOptions contains options for constructing an instance context.
type ContextOptions struct {
	Sink         io.Writer // Emulator output and command diagnostics (default: structured log)
	Windows      bool      // Job node runs Windows (tool suffixing, no library path)
	DockerImage  string    // When set, launch inside a container with this image
	DockerMemory string    // Container memory cap, e.g. "4g" (requires DockerImage)
}

// CommandOptions contains options for console command execution.
type CommandOptions struct {
	Timeout time.Duration // Default: 60s
}

func (m *Manager) startSpan(name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m.env.CorrelationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", m.env.CorrelationID))
	}
	ctx := m.env.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Context is one emulator instance's runtime state: its reserved ports
// and, once started, its process. Create with Manager.NewContext;
// release with CleanUp exactly once, normally deferred around the job step.
type Context struct {
	env   emu.Env
	inner *emu.Context

	cleaned bool
}

// NewContext reserves a port set from the host pool and returns the
// context owning it. Fails with an AllocationError when the pool is
// exhausted and a ConfigurationError when the job environment cannot
// be read.
func (m *Manager) NewContext(opts ContextOptions) (*Context, error) {
	_, span := m.startSpan("emulator.NewContext", attribute.String("scope", m.env.Scope))
	defer span.End()

	alloc, err := portpool.NewHost(m.env.PoolDir, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var launcher emu.ProcessLauncher = emu.ExecLauncher{Windows: opts.Windows}
	if opts.DockerImage != "" {
		dl, err := emu.NewDockerLauncher(opts.DockerImage, opts.DockerMemory)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		dl.Windows = opts.Windows
		launcher = dl
	}

	sink := opts.Sink
	if sink == nil {
		sink = emu.NewOutputWriter(m.env)
	}

	inner, err := emu.NewContext(m.env, emu.ContextOptions{
		Job:       emu.OSJob{},
		Launcher:  launcher,
		Sink:      sink,
		SDK:       emu.SDK{RootDir: m.env.SDKRoot, HomeDir: m.env.SDKHome},
		Allocator: alloc,
		Scope:     m.env.Scope,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("serial", inner.Serial()))
	return &Context{env: m.env, inner: inner}, nil
}

// Ports returns the reserved port set.
func (c *Context) Ports() PortSet {
	p := c.inner.Ports()
	return PortSet{
		User:      p.User,
		ADB:       p.ADB,
		ADBServer: p.ADBServer,
		Callback:  p.Callback,
		Serial:    p.Serial,
	}
}

// Serial returns the adb qualifier, e.g. "emulator-5580".
func (c *Context) Serial() string { return c.inner.Serial() }

// LaunchEnvironment returns the job environment merged with the
// instance's injected variables; extra entries override on collision.
func (c *Context) LaunchEnvironment(extra map[string]string) map[string]string {
	return c.inner.BuildLaunchEnvironment(extra)
}

// Start launches the named AVD headless on the reserved console port
// and records the process handle.
func (c *Context) Start(avdName string, extraArgs ...string) error {
	ctx := c.env.Context
	if ctx == nil {
		ctx = context.Background()
	}
	spec := c.inner.EmulatorSpec(avdName, extraArgs...)
	handle, err := c.inner.Launcher().Launch(ctx, spec)
	if err != nil {
		return err
	}
	c.inner.SetProcess(handle)
	return nil
}

// SendCommand sends a console command with the default 60s timeout.
// Returns whether the command was confirmed; failures are logged to the
// context's sink, never raised.
func (c *Context) SendCommand(command string) bool {
	return c.inner.SendCommand(command)
}

// SendCommandWith sends a console command with explicit options.
func (c *Context) SendCommandWith(command string, opts CommandOptions) bool {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = emu.EmulatorCommandTimeout
	}
	return c.inner.SendCommandTimeout(command, timeout)
}

// Stop asks the emulator to exit via its console, falling back to
// killing the recorded process when the console does not confirm.
func (c *Context) Stop() error {
	if c.inner.SendCommand("kill") {
		return nil
	}
	if h := c.inner.Process(); h != nil {
		return h.Kill()
	}
	return nil
}

// CleanUp releases the four reserved ports. Idempotent at this layer:
// only the first call reaches the pool.
func (c *Context) CleanUp() error {
	if c.cleaned {
		return nil
	}
	c.cleaned = true
	return c.inner.CleanUp()
}
