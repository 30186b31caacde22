// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	core "github.com/forkbombeu/emujob/internal/emu"
	"github.com/forkbombeu/emujob/internal/portpool"
)

func main() {
	env := core.Detect()

	shutdown, err := setupTelemetry(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry setup: %v\n", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	root := &cobra.Command{
		Use:   "emujob",
		Short: "Emulator instance runtime for CI build jobs (ports, process, console)",
	}

	// ports
	var portsJSON, portsRelease bool
	portsCmd := &cobra.Command{
		Use:   "ports",
		Short: "Reserve a port set from the host pool and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, err := portpool.NewHost(env.PoolDir, nil)
			if err != nil {
				return err
			}
			ps, err := core.AllocatePortSet(env, alloc, env.Scope)
			if err != nil {
				return err
			}
			if portsJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(ps); err != nil {
					return err
				}
			} else {
				fmt.Printf("%-12s console=%d adb=%d adb-server=%d callback=%d\n",
					ps.Serial, ps.User, ps.ADB, ps.ADBServer, ps.Callback)
			}
			if portsRelease {
				return releaseSet(env, alloc, ps)
			}
			return nil
		},
	}
	portsCmd.Flags().BoolVar(&portsJSON, "json", false, "output JSON")
	portsCmd.Flags().BoolVar(&portsRelease, "release", false, "release the ports immediately (dry run)")
	root.AddCommand(portsCmd)

	// run
	var runAVD, runImage, runMemory string
	var runWindows bool
	runCmd := &cobra.Command{
		Use:   "run [-- extra emulator args]",
		Short: "Reserve ports, start the emulator, stream output, release on exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runAVD == "" {
				return errors.New("--avd is required")
			}
			alloc, err := portpool.NewHost(env.PoolDir, nil)
			if err != nil {
				return err
			}
			var launcher core.ProcessLauncher = core.ExecLauncher{Windows: runWindows}
			if runImage != "" {
				dl, err := core.NewDockerLauncher(runImage, runMemory)
				if err != nil {
					return err
				}
				dl.Windows = runWindows
				launcher = dl
			}
			ectx, err := core.NewContext(env, core.ContextOptions{
				Job:       core.OSJob{},
				Launcher:  launcher,
				Sink:      core.NewOutputWriter(env, "avd", runAVD),
				SDK:       core.SDK{RootDir: env.SDKRoot, HomeDir: env.SDKHome},
				Allocator: alloc,
				Scope:     env.Scope,
			})
			if err != nil {
				return err
			}
			defer func() {
				if cleanErr := ectx.CleanUp(); cleanErr != nil {
					fmt.Fprintf(os.Stderr, "cleanup: %v\n", cleanErr)
				}
			}()

			spec := ectx.EmulatorSpec(runAVD, args...)
			handle, err := launcher.Launch(cmd.Context(), spec)
			if err != nil {
				return err
			}
			ectx.SetProcess(handle)
			fmt.Printf("Started %s as %s (console port %d)\n", runAVD, ectx.Serial(), ectx.Ports().User)
			return handle.Wait()
		},
	}
	runCmd.Flags().StringVar(&runAVD, "avd", "", "AVD name")
	runCmd.Flags().StringVar(&runImage, "docker-image", "", "run inside a container with this image")
	runCmd.Flags().StringVar(&runMemory, "memory", "", "container memory cap, e.g. 4g")
	runCmd.Flags().BoolVar(&runWindows, "windows", false, "job node runs Windows")
	root.AddCommand(runCmd)

	// command
	var cmdPort int
	var cmdTimeout time.Duration
	commandCmd := &cobra.Command{
		Use:   "command <console command...>",
		Short: "Send a command to a running emulator's console port",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmdPort == 0 {
				return errors.New("--port is required")
			}
			line := strings.Join(args, " ")
			if !core.SendConsoleCommand(env, os.Stderr, cmdPort, line, cmdTimeout) {
				return fmt.Errorf("command %q not confirmed within %v", line, cmdTimeout)
			}
			fmt.Println("OK")
			return nil
		},
	}
	commandCmd.Flags().IntVar(&cmdPort, "port", 0, "emulator console port")
	commandCmd.Flags().DurationVar(&cmdTimeout, "timeout", core.EmulatorCommandTimeout, "command timeout")
	root.AddCommand(commandCmd)

	// free
	var freePort int
	freeCmd := &cobra.Command{
		Use:   "free",
		Short: "Release a port from the host pool (recovery after a crashed job)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if freePort == 0 {
				return errors.New("--port is required")
			}
			alloc, err := portpool.NewHost(env.PoolDir, nil)
			if err != nil {
				return err
			}
			return alloc.Free(env.Scope, freePort)
		},
	}
	freeCmd.Flags().IntVar(&freePort, "port", 0, "port to release")
	root.AddCommand(freeCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func releaseSet(env core.Env, alloc portpool.Allocator, ps core.PortSet) error {
	var errs []error
	for _, p := range []int{ps.ADB, ps.User, ps.ADBServer, ps.Callback} {
		if err := alloc.Free(env.Scope, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
