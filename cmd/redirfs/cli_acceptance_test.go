//go:build acceptance

package main

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/redirfs/pkg/control"
)

func redirfsBin(t *testing.T) string {
	t.Helper()
	if bin := os.Getenv("REDIRFS_BIN"); bin != "" {
		return bin
	}
	return "redirfs"
}

func runCLI(t *testing.T, sock string, args ...string) (string, string, int) {
	t.Helper()
	bin := redirfsBin(t)
	cmd := exec.Command(bin, append([]string{"--socket", sock}, args...)...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			t.Fatalf("failed to run %s %v: %v", bin, args, err)
		}
	}
	return stdout.String(), stderr.String(), exitCode
}

// startServe runs `redirfs serve` on config and waits for its control socket.
func startServe(t *testing.T, config string) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "rfs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	sock := filepath.Join(dir, "control.sock")
	cfgPath := filepath.Join(dir, "redirfs.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(config+"control: {socket: "+sock+"}\n"), 0644))

	cmd := exec.Command(redirfsBin(t), "serve", "-c", cfgPath)
	cmd.Stderr = os.Stderr
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Signal(syscall.SIGTERM)
		cmd.Wait()
	})

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sock); err == nil {
			return sock
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("control socket %s did not appear", sock)
	return ""
}

const serveConfig = `
filters:
  - name: guard
    kind: rules
    rules:
      - ops: [inode.create]
        action: block
  - name: trace
    kind: audit
    priority: 5
`

func TestCLIFilterList(t *testing.T) {
	sock := startServe(t, serveConfig)

	stdout, stderr, code := runCLI(t, sock, "filter", "ls")
	require.Equal(t, 0, code, stderr)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "trace"), "chain order puts priority 5 first")
	assert.True(t, strings.HasPrefix(lines[2], "guard"))
}

func TestCLIPathLifecycle(t *testing.T) {
	sock := startServe(t, serveConfig)

	stdout, stderr, code := runCLI(t, sock, "path", "add", "guard", "/")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Added path 1")

	stdout, _, code = runCLI(t, sock, "path", "ls", "guard")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "include")

	_, stderr, code = runCLI(t, sock, "path", "add", "ghost", "/")
	assert.NotEqual(t, 0, code)
	assert.Contains(t, stderr, "not found")

	_, stderr, code = runCLI(t, sock, "path", "rm", "1")
	require.Equal(t, 0, code, stderr)

	stdout, _, _ = runCLI(t, sock, "status", "--json")
	var st control.Status
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.Equal(t, 0, st.Paths)
	assert.Equal(t, 2, st.Filters)
}

func TestCLIFilterToggle(t *testing.T) {
	sock := startServe(t, serveConfig)

	_, stderr, code := runCLI(t, sock, "filter", "deactivate", "guard")
	require.Equal(t, 0, code, stderr)

	stdout, _, _ := runCLI(t, sock, "filter", "ls")
	assert.Regexp(t, `guard\s+0\s+false`, stdout)

	_, _, code = runCLI(t, sock, "filter", "activate", "guard")
	assert.Equal(t, 0, code)
}
