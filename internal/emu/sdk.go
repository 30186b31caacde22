// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emu

import "fmt"

// Environment variable names injected into launched processes.
const (
	EnvADBServerPort = "ANDROID_ADB_SERVER_PORT"
	EnvSDKHome       = "ANDROID_SDK_HOME"
	EnvLibraryPath   = "LD_LIBRARY_PATH"
)

// SdkDescriptor exposes the SDK locations needed to build environment
// variables and tool command lines.
type SdkDescriptor interface {
	// HasKnownHome reports whether the SDK home directory is known.
	HasKnownHome() bool
	// Home returns the SDK home directory (valid only when known).
	Home() string
	// Root returns the SDK installation root.
	Root() string
}

// SDK is the standard SdkDescriptor, built from detected paths.
type SDK struct {
	RootDir string
	HomeDir string
}

func (s SDK) HasKnownHome() bool { return s.HomeDir != "" }
func (s SDK) Home() string       { return s.HomeDir }
func (s SDK) Root() string       { return s.RootDir }

// SdkTool names one SDK command-line tool and its arguments.
type SdkTool struct {
	Subdir string // SDK directory holding the tool, e.g. "platform-tools"
	Name   string // binary name without OS suffix
	Args   []string
}

// toolPath resolves the tool binary below the SDK root. Paths are built
// with forward slashes because the target node may not share this
// host's OS; only the Windows suffix depends on the launcher flag.
func toolPath(sdk SdkDescriptor, windows bool, tool SdkTool) string {
	name := tool.Name
	if windows {
		name += ".exe"
	}
	if tool.Subdir == "" {
		return fmt.Sprintf("%s/%s", sdk.Root(), name)
	}
	return fmt.Sprintf("%s/%s/%s", sdk.Root(), tool.Subdir, name)
}
