// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emu

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// SSHLauncher starts emulator processes on a remote build node. Each
// launch opens one session whose lifetime is the process lifetime; the
// environment rides on an env(1) prefix rather than Setenv, because
// sshd installations rarely whitelist arbitrary variables.
type SSHLauncher struct {
	Client  *ssh.Client
	Windows bool
}

// DialSSH connects to a remote build node with public-key auth.
func DialSSH(addr, user string, signer ssh.Signer, hostKey ssh.HostKeyCallback) (*SSHLauncher, error) {
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
	}
	cli, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial build node %s: %w", addr, err)
	}
	return &SSHLauncher{Client: cli}, nil
}

func (l *SSHLauncher) OSWindows() bool { return l.Windows }

func (l *SSHLauncher) Launch(ctx context.Context, spec Spec) (ProcessHandle, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("launch: empty command line")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sess, err := l.Client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := sess.Start(remoteCommandLine(spec)); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("start remote %s: %w", spec.Argv[0], err)
	}

	streams := new(errgroup.Group)
	streams.Go(func() error {
		_, err := io.Copy(sinkOrDiscard(spec.Stdout), stdout)
		return err
	})
	streams.Go(func() error {
		_, err := io.Copy(sinkOrDiscard(spec.Stderr), stderr)
		return err
	})

	return &sshHandle{sess: sess, streams: streams}, nil
}

func sinkOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// remoteCommandLine renders the spec as a shell command with the
// environment as an env(1) prefix, every word single-quoted.
func remoteCommandLine(spec Spec) string {
	words := make([]string, 0, len(spec.Env)+len(spec.Argv)+1)
	if len(spec.Env) > 0 {
		words = append(words, "env")
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			words = append(words, shellQuote(k+"="+spec.Env[k]))
		}
	}
	for _, arg := range spec.Argv {
		words = append(words, shellQuote(arg))
	}
	return strings.Join(words, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type sshHandle struct {
	sess    *ssh.Session
	streams *errgroup.Group
}

// PID is not exposed by the ssh exec channel.
func (h *sshHandle) PID() int { return 0 }

func (h *sshHandle) Signal(sig os.Signal) error {
	name := ssh.SIGTERM
	if sig == os.Kill {
		name = ssh.SIGKILL
	}
	return h.sess.Signal(name)
}

func (h *sshHandle) Kill() error {
	if err := h.sess.Signal(ssh.SIGKILL); err != nil {
		return err
	}
	return h.sess.Close()
}

func (h *sshHandle) Wait() error {
	err := h.sess.Wait()
	_ = h.streams.Wait()
	_ = h.sess.Close()
	return err
}
