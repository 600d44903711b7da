package daemon

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/redirfs/pkg/api"
	"github.com/jingkaihe/redirfs/pkg/control"
)

const testConfig = `
backing:
  type: memory
mounts:
  - path: /data
    backing:
      type: memory
filters:
  - name: guard
    kind: rules
    priority: 10
    rules:
      - name: no-secrets
        ops: [inode.create]
        path: /data/secret/**
        action: block
  - name: stats
    kind: opstats
    ops: [file.write]
  - name: trace
    kind: audit
    inactive: true
paths:
  - filter: guard
    path: /data
  - filter: stats
    path: /data
`

func newDaemon(t *testing.T, doc string) *Daemon {
	t.Helper()
	cfg, err := api.ParseConfig([]byte(doc))
	require.NoError(t, err)
	d, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDaemon_AppliesConfiguredFilters(t *testing.T) {
	d := newDaemon(t, testConfig)
	v := d.VFS()

	require.NoError(t, v.Mkdir("/data/secret", 0755))
	assert.ErrorIs(t, v.WriteFile("/data/secret/key", []byte("x"), 0644), syscall.EPERM)
	require.NoError(t, v.WriteFile("/data/notes", []byte("hello"), 0644))

	// Outside the bound subtree nothing is filtered.
	require.NoError(t, v.Mkdir("/secret", 0755))
	require.NoError(t, v.WriteFile("/secret/key", []byte("x"), 0644))

	names := map[string]bool{}
	for _, f := range d.Engine().Filters() {
		names[f.Name()] = f.Active()
	}
	assert.Equal(t, map[string]bool{"guard": true, "stats": true, "trace": false}, names)
	assert.Len(t, d.Engine().ListPaths(nil), 2)

	n, err := testutil.GatherAndCount(d.Registry(), "redirfs_ops_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDaemon_UnknownPathFails(t *testing.T) {
	cfg, err := api.ParseConfig([]byte(`
filters:
  - name: trace
    kind: audit
paths:
  - filter: trace
    path: /missing
`))
	require.NoError(t, err)
	_, err = New(cfg, nil)
	assert.ErrorIs(t, err, ErrApplyPath)
}

func TestDaemon_RealFSBacking(t *testing.T) {
	host := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(host, "seed"), []byte("from host"), 0644))

	d := newDaemon(t, "backing: {type: realfs, host_path: "+host+", readonly: true}\n")
	data, err := d.VFS().ReadFile("/seed")
	require.NoError(t, err)
	assert.Equal(t, "from host", string(data))
	assert.Error(t, d.VFS().WriteFile("/new", []byte("x"), 0644))
}

func TestDaemon_OverlayKeepsHostUntouched(t *testing.T) {
	host := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(host, "seed"), []byte("base"), 0644))

	d := newDaemon(t, "backing: {type: overlay, host_path: "+host+"}\n")
	require.NoError(t, d.VFS().WriteFile("/seed", []byte("changed"), 0644))

	data, err := d.VFS().ReadFile("/seed")
	require.NoError(t, err)
	assert.Equal(t, "changed", string(data))

	onHost, err := os.ReadFile(filepath.Join(host, "seed"))
	require.NoError(t, err)
	assert.Equal(t, "base", string(onHost))
}

func TestDaemon_ServesControlSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "rfs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "c.sock")

	d := newDaemon(t, testConfig+"control: {socket: "+sock+"}\n")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Start(ctx))

	c, err := control.Dial(ctx, sock)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Activate(ctx, "trace"))
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Filters)
	assert.Equal(t, 2, st.Paths)

	f, err := d.Engine().FindFilter("trace")
	require.NoError(t, err)
	assert.True(t, f.Active())

	require.NoError(t, d.Close())
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}
