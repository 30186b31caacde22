// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package emu

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// The emulator console is a newline-terminated text protocol that
// prefixes replies with OK or KO and closes the connection on commands
// like kill. There is no further framing, so a command either completes
// cleanly within the deadline or is treated as not having happened.

// SendConsoleCommand delivers one command line to the console port and
// reports success. The conversation runs on a worker goroutine raced
// against the deadline; on expiry the connection is closed, which
// unblocks the worker, so the caller never waits past timeout and no
// connection is left dangling. Each call is a single attempt. The
// failure cause (timeout, refused connection, I/O error, KO reply) is
// written to the sink only.
func SendConsoleCommand(env Env, sink io.Writer, port int, command string, timeout time.Duration) bool {
	_, span := startSpan(env, "emu.SendCommand",
		attribute.Int("port", port),
		attribute.String("command", command),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(spanContext(env), timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		fmt.Fprintf(sink, "Failed to connect to emulator console on port %d: %v\n", port, err)
		recordSpanError(span, err)
		return false
	}

	done := make(chan error, 1)
	go func() {
		done <- converse(conn, command)
	}()

	select {
	case err := <-done:
		_ = conn.Close()
		if err != nil {
			fmt.Fprintf(sink, "Failed to execute emulator command %q: %v\n", command, err)
			recordSpanError(span, err)
			return false
		}
		return true
	case <-ctx.Done():
		// Closing the connection fails the worker's blocked read or
		// write; its late result is discarded.
		_ = conn.Close()
		fmt.Fprintf(sink, "Timed out after %v sending emulator command %q\n", timeout, command)
		recordSpanError(span, ctx.Err())
		return false
	}
}

// converse drains the banner, answers the auth challenge when the
// console demands one, writes the command line and confirms the result.
// A clean connection close after the command counts as completion.
func converse(conn net.Conn, command string) error {
	r := bufio.NewReader(conn)

	banner, err := readReply(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("console closed before command was sent")
		}
		return err
	}

	if bannerDemandsAuth(banner) {
		token, err := consoleAuthToken(banner)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(conn, "auth %s\n", token); err != nil {
			return fmt.Errorf("write auth: %w", err)
		}
		if _, err := readReply(r); err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("console closed during authentication")
			}
			return fmt.Errorf("console auth: %w", err)
		}
	}

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	if _, err := readReply(r); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// readReply collects console lines until an OK or KO terminator. OK
// returns the collected lines; KO returns an error carrying the reply;
// connection closure returns the lines read so far with io.EOF.
func readReply(r *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			lines = append(lines, trimmed)
		}
		switch {
		case strings.HasPrefix(trimmed, "OK"):
			return lines, nil
		case strings.HasPrefix(trimmed, "KO"):
			return lines, fmt.Errorf("console refused: %s", trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, io.EOF
			}
			return lines, fmt.Errorf("read console reply: %w", err)
		}
	}
}

func bannerDemandsAuth(banner []string) bool {
	for _, line := range banner {
		if strings.Contains(line, "auth_token") || strings.Contains(line, "Authentication required") {
			return true
		}
	}
	return false
}

// consoleAuthToken reads the console auth token from the file the
// banner names (the banner quotes the path), falling back to the
// default location under the user's home directory.
func consoleAuthToken(banner []string) (string, error) {
	path := ""
	for _, line := range banner {
		if start := strings.IndexByte(line, '\''); start != -1 {
			if end := strings.IndexByte(line[start+1:], '\''); end != -1 {
				path = line[start+1 : start+1+end]
				break
			}
		}
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate console auth token: %w", err)
		}
		path = filepath.Join(home, ".emulator_console_auth_token")
	}
	token, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read console auth token: %w", err)
	}
	return strings.TrimSpace(string(token)), nil
}
