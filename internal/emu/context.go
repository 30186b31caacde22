// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emu

import (
	"fmt"
	"io"
	"maps"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/forkbombeu/emujob/internal/portpool"
)

// EmulatorCommandTimeout is the interval during which an emulator
// console command should complete.
const EmulatorCommandTimeout = 60 * time.Second

// JobEnvironmentSource returns the environment of the owning build job
// as a mutable copy.
type JobEnvironmentSource interface {
	Environment() (map[string]string, error)
}

// OSJob sources the job environment from this process's environment.
type OSJob struct{}

func (OSJob) Environment() (map[string]string, error) {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	return env, nil
}

// Context owns the runtime state of one emulator instance for the
// duration of a build job: the reserved PortSet, the process handle
// once launched, the SDK descriptor, and the job-scoped environment.
// Construct once per instance per job; CleanUp exactly once at job end.
type Context struct {
	env    Env
	ports  PortSet
	alloc  portpool.Allocator
	scope  string
	sdk    SdkDescriptor
	launch ProcessLauncher
	sink   io.Writer
	jobEnv map[string]string

	process ProcessHandle
}

// ContextOptions carries the collaborators a Context aggregates.
type ContextOptions struct {
	Job       JobEnvironmentSource
	Launcher  ProcessLauncher
	Sink      io.Writer
	SDK       SdkDescriptor
	Allocator portpool.Allocator
	Scope     string
}

// NewContext reserves a PortSet and builds the context around it.
// Returns a ConfigurationError when the job environment cannot be read
// and an AllocationError when the pool cannot satisfy the reservation.
// The environment is read before any port is reserved, so a
// configuration failure leaks nothing.
func NewContext(env Env, opts ContextOptions) (*Context, error) {
	_, span := startSpan(env, "emu.NewContext", attribute.String("scope", opts.Scope))
	defer span.End()

	if opts.Sink == nil {
		opts.Sink = io.Discard
	}

	jobEnv, err := opts.Job.Environment()
	if err != nil {
		cfgErr := &ConfigurationError{Err: err}
		recordSpanError(span, cfgErr)
		return nil, cfgErr
	}

	ports, err := AllocatePortSet(env, opts.Allocator, opts.Scope)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("serial", ports.Serial))
	logEvent(env, "emulator context constructed",
		"scope", opts.Scope,
		"serial", ports.Serial,
		"user_port", ports.User,
	)
	return &Context{
		env:    env,
		ports:  ports,
		alloc:  opts.Allocator,
		scope:  opts.Scope,
		sdk:    opts.SDK,
		launch: opts.Launcher,
		sink:   opts.Sink,
		jobEnv: jobEnv,
	}, nil
}

func (c *Context) Ports() PortSet             { return c.ports }
func (c *Context) Serial() string             { return c.ports.Serial }
func (c *Context) SDK() SdkDescriptor         { return c.sdk }
func (c *Context) Launcher() ProcessLauncher  { return c.launch }
func (c *Context) Logger() io.Writer          { return c.sink }
func (c *Context) Process() ProcessHandle     { return c.process }

// SetProcess records the started emulator process. Set at most once;
// a second call is ignored, since the context already owns a handle.
func (c *Context) SetProcess(h ProcessHandle) {
	if c.process != nil {
		logEvent(c.env, "emulator process already recorded", "serial", c.ports.Serial)
		return
	}
	c.process = h
}

// CleanUp returns the four reserved ports to the pool, making them
// available to other jobs on the host. Safe to call when no process was
// ever launched; not safe to call twice, because a second call frees
// ports the context no longer holds (allocator errors are returned, not
// suppressed). Call after every command execution has returned.
func (c *Context) CleanUp() error {
	_, span := startSpan(c.env, "emu.CleanUp", attribute.String("serial", c.ports.Serial))
	defer span.End()

	err := releasePorts(c.env, c.alloc, c.scope,
		c.ports.ADB, c.ports.User, c.ports.ADBServer, c.ports.Callback)
	if err != nil {
		recordSpanError(span, err)
		return err
	}
	logEvent(c.env, "emulator context cleaned up", "serial", c.ports.Serial)
	return nil
}

// BuildLaunchEnvironment merges, in order: a fresh copy of the job
// environment, the variables this context injects (adb-server port, SDK
// home when known, library path on non-Windows nodes), and the caller's
// extra entries, which override everything on key collision.
func (c *Context) BuildLaunchEnvironment(extra map[string]string) map[string]string {
	env := make(map[string]string, len(c.jobEnv)+len(extra)+3)
	maps.Copy(env, c.jobEnv)

	env[EnvADBServerPort] = strconv.Itoa(c.ports.ADBServer)
	if c.sdk.HasKnownHome() {
		env[EnvSDKHome] = c.sdk.Home()
	}
	if !c.launch.OSWindows() {
		env[EnvLibraryPath] = fmt.Sprintf("%s/tools/lib", c.sdk.Root())
	}

	maps.Copy(env, extra)
	return env
}

// LaunchSpec assembles a standard launch for the current context:
// stdout discarded, stderr to the job's output sink, environment per
// BuildLaunchEnvironment.
func (c *Context) LaunchSpec(argv []string, extra map[string]string) Spec {
	return Spec{
		Argv:   argv,
		Env:    c.BuildLaunchEnvironment(extra),
		Stdout: io.Discard,
		Stderr: c.sink,
	}
}

// ToolCommand builds the command line for one of the SDK tools, with
// the Windows suffix applied when the launcher targets Windows.
func (c *Context) ToolCommand(tool SdkTool) []string {
	argv := make([]string, 0, len(tool.Args)+1)
	argv = append(argv, toolPath(c.sdk, c.launch.OSWindows(), tool))
	return append(argv, tool.Args...)
}

// ToolSpec is LaunchSpec for an SDK tool.
func (c *Context) ToolSpec(tool SdkTool, extra map[string]string) Spec {
	return c.LaunchSpec(c.ToolCommand(tool), extra)
}

// EmulatorSpec builds the headless emulator launch for the reserved
// console port. The emulator derives its transport port as console+1,
// which is exactly the reserved ADB port.
func (c *Context) EmulatorSpec(avdName string, extraArgs ...string) Spec {
	argv := []string{
		c.env.Emulator,
		"-avd", avdName,
		"-port", strconv.Itoa(c.ports.User),
		"-no-window",
		"-no-boot-anim",
		"-no-snapshot",
		"-no-audio",
		"-report-console", fmt.Sprintf("tcp:%d", c.ports.Callback),
	}
	argv = append(argv, extraArgs...)
	return c.LaunchSpec(argv, nil)
}

// SendCommand sends a user command to the running emulator via its
// console port, cancelling after EmulatorCommandTimeout. Returns
// whether sending the command succeeded; command failures are reported
// to the output sink, never as errors.
func (c *Context) SendCommand(command string) bool {
	return c.SendCommandTimeout(command, EmulatorCommandTimeout)
}

// SendCommandTimeout is SendCommand with an explicit timeout.
func (c *Context) SendCommandTimeout(command string, timeout time.Duration) bool {
	return SendConsoleCommand(c.env, c.sink, c.ports.User, command, timeout)
}
