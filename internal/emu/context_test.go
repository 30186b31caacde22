// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"

	"github.com/forkbombeu/emujob/internal/portpool"
)

type stubJob struct {
	env map[string]string
	err error
}

func (s stubJob) Environment() (map[string]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]string, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out, nil
}

type stubLauncher struct {
	windows bool
}

func (l stubLauncher) OSWindows() bool { return l.windows }

func (l stubLauncher) Launch(ctx context.Context, spec Spec) (ProcessHandle, error) {
	return nil, errors.New("stub launcher cannot launch")
}

// freeCounter wraps an allocator and records every Free call.
type freeCounter struct {
	portpool.Allocator
	mu    sync.Mutex
	freed []int
}

func (f *freeCounter) Free(scope string, port int) error {
	f.mu.Lock()
	f.freed = append(f.freed, port)
	f.mu.Unlock()
	return f.Allocator.Free(scope, port)
}

func newTestContext(t *testing.T, opts ContextOptions) *Context {
	t.Helper()
	if opts.Job == nil {
		opts.Job = stubJob{env: map[string]string{}}
	}
	if opts.Launcher == nil {
		opts.Launcher = stubLauncher{}
	}
	if opts.Allocator == nil {
		opts.Allocator = portpool.NewMemory()
	}
	if opts.Scope == "" {
		opts.Scope = "host-a"
	}
	c, err := NewContext(testEnv(), opts)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	return c
}

func TestNewContextSerialMatchesConsolePort(t *testing.T) {
	c := newTestContext(t, ContextOptions{})
	if c.Serial() != fmt.Sprintf("emulator-%d", c.Ports().User) {
		t.Fatalf("serial %q does not match console port %d", c.Serial(), c.Ports().User)
	}
}

func TestNewContextConfigurationErrorLeaksNoPorts(t *testing.T) {
	alloc := portpool.NewMemory()
	_, err := NewContext(testEnv(), ContextOptions{
		Job:       stubJob{err: errors.New("job gone")},
		Launcher:  stubLauncher{},
		Allocator: alloc,
		Scope:     "host-a",
	})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T: %v", err, err)
	}
	if got := alloc.Reserved("host-a"); len(got) != 0 {
		t.Fatalf("ports reserved despite configuration failure: %v", got)
	}
}

func TestCleanUpFreesExactlyTheFourPorts(t *testing.T) {
	counter := &freeCounter{Allocator: portpool.NewMemory()}
	c := newTestContext(t, ContextOptions{Allocator: counter})
	ports := c.Ports()
	counter.freed = nil // drop the surplus release from allocation

	if err := c.CleanUp(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	want := []int{ports.ADB, ports.User, ports.ADBServer, ports.Callback}
	if len(counter.freed) != len(want) {
		t.Fatalf("expected frees %v, got %v", want, counter.freed)
	}
	for i := range want {
		if counter.freed[i] != want[i] {
			t.Fatalf("expected free order %v, got %v", want, counter.freed)
		}
	}
	if got := counter.Allocator.(*portpool.Memory).Reserved("host-a"); len(got) != 0 {
		t.Fatalf("ports still reserved after cleanup: %v", got)
	}
}

func TestCleanUpWithoutLaunchSucceeds(t *testing.T) {
	c := newTestContext(t, ContextOptions{})
	if c.Process() != nil {
		t.Fatal("no process should be recorded before launch")
	}
	if err := c.CleanUp(); err != nil {
		t.Fatalf("cleanup without launch: %v", err)
	}
}

func TestSetProcessKeepsFirstHandle(t *testing.T) {
	c := newTestContext(t, ContextOptions{})
	first := &execHandle{}
	second := &execHandle{}
	c.SetProcess(first)
	c.SetProcess(second)
	if c.Process() != ProcessHandle(first) {
		t.Fatal("second SetProcess replaced the recorded handle")
	}
}

func TestBuildLaunchEnvironmentInjectsContextVariables(t *testing.T) {
	c := newTestContext(t, ContextOptions{
		Job: stubJob{env: map[string]string{"PATH": "/usr/bin", "CI": "true"}},
		SDK: SDK{RootDir: "/opt/android-sdk", HomeDir: "/home/ci/.android"},
	})

	env := c.BuildLaunchEnvironment(nil)
	if env["PATH"] != "/usr/bin" || env["CI"] != "true" {
		t.Fatalf("job environment not carried over: %v", env)
	}
	if env[EnvADBServerPort] != strconv.Itoa(c.Ports().ADBServer) {
		t.Fatalf("expected %s=%d, got %q", EnvADBServerPort, c.Ports().ADBServer, env[EnvADBServerPort])
	}
	if env[EnvSDKHome] != "/home/ci/.android" {
		t.Fatalf("expected %s=/home/ci/.android, got %q", EnvSDKHome, env[EnvSDKHome])
	}
	if env[EnvLibraryPath] != "/opt/android-sdk/tools/lib" {
		t.Fatalf("expected %s=/opt/android-sdk/tools/lib, got %q", EnvLibraryPath, env[EnvLibraryPath])
	}
}

func TestBuildLaunchEnvironmentExtraOverrides(t *testing.T) {
	c := newTestContext(t, ContextOptions{
		Job: stubJob{env: map[string]string{"CI": "true"}},
		SDK: SDK{RootDir: "/opt/android-sdk", HomeDir: "/home/ci/.android"},
	})

	env := c.BuildLaunchEnvironment(map[string]string{
		"CI":       "false",
		EnvSDKHome: "/custom/home",
	})
	if env["CI"] != "false" {
		t.Fatalf("extra entry did not override job value: %q", env["CI"])
	}
	if env[EnvSDKHome] != "/custom/home" {
		t.Fatalf("extra entry did not override injected value: %q", env[EnvSDKHome])
	}
}

func TestBuildLaunchEnvironmentUnknownHomeOmitted(t *testing.T) {
	c := newTestContext(t, ContextOptions{
		SDK: SDK{RootDir: "/opt/android-sdk"},
	})
	env := c.BuildLaunchEnvironment(nil)
	if _, ok := env[EnvSDKHome]; ok {
		t.Fatalf("%s set despite unknown SDK home", EnvSDKHome)
	}
}

func TestBuildLaunchEnvironmentWindowsSkipsLibraryPath(t *testing.T) {
	c := newTestContext(t, ContextOptions{
		Launcher: stubLauncher{windows: true},
		SDK:      SDK{RootDir: "/opt/android-sdk"},
	})
	env := c.BuildLaunchEnvironment(nil)
	if _, ok := env[EnvLibraryPath]; ok {
		t.Fatalf("%s set for a Windows node", EnvLibraryPath)
	}
}

func TestBuildLaunchEnvironmentReturnsFreshCopy(t *testing.T) {
	c := newTestContext(t, ContextOptions{
		Job: stubJob{env: map[string]string{"CI": "true"}},
	})
	first := c.BuildLaunchEnvironment(nil)
	first["CI"] = "mutated"
	second := c.BuildLaunchEnvironment(nil)
	if second["CI"] != "true" {
		t.Fatalf("mutation of a returned environment leaked into the next build: %q", second["CI"])
	}
}

func TestEmulatorSpecArgv(t *testing.T) {
	c := newTestContext(t, ContextOptions{})
	spec := c.EmulatorSpec("ci-avd", "-gpu", "swiftshader_indirect")

	want := []string{
		"emulator",
		"-avd", "ci-avd",
		"-port", strconv.Itoa(c.Ports().User),
		"-no-window",
		"-no-boot-anim",
		"-no-snapshot",
		"-no-audio",
		"-report-console", fmt.Sprintf("tcp:%d", c.Ports().Callback),
		"-gpu", "swiftshader_indirect",
	}
	if len(spec.Argv) != len(want) {
		t.Fatalf("expected argv %v, got %v", want, spec.Argv)
	}
	for i := range want {
		if spec.Argv[i] != want[i] {
			t.Fatalf("expected argv %v, got %v", want, spec.Argv)
		}
	}
	if spec.Stdout != io.Discard {
		t.Fatal("emulator stdout should be discarded")
	}
}

func TestToolCommandWindowsSuffix(t *testing.T) {
	c := newTestContext(t, ContextOptions{
		Launcher: stubLauncher{windows: true},
		SDK:      SDK{RootDir: "/opt/android-sdk"},
	})
	argv := c.ToolCommand(SdkTool{Subdir: "platform-tools", Name: "adb", Args: []string{"devices"}})
	if argv[0] != "/opt/android-sdk/platform-tools/adb.exe" {
		t.Fatalf("expected Windows tool path, got %q", argv[0])
	}
	if argv[1] != "devices" {
		t.Fatalf("expected tool args carried over, got %v", argv[1:])
	}
}
