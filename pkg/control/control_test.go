package control

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/redirfs/pkg/redirfs"
	"github.com/jingkaihe/redirfs/pkg/vfs"
)

func newEngine(t *testing.T) *redirfs.Engine {
	t.Helper()
	v, err := vfs.New(vfs.NewProviderFS("mem", vfs.NewMemoryProvider()), vfs.Options{})
	require.NoError(t, err)
	require.NoError(t, v.Mkdir("/data", 0755))
	e, err := redirfs.New(v, redirfs.Options{})
	require.NoError(t, err)
	return e
}

func pipeClient(t *testing.T, e *redirfs.Engine) *Client {
	t.Helper()
	srvConn, cliConn := net.Pipe()
	go NewServer(e, nil).HandleConnection(srvConn)
	c := NewClient(cliConn)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestControl_FilterLifecycle(t *testing.T) {
	e := newEngine(t)
	_, err := e.Register(redirfs.FilterInfo{Name: "audit", Priority: 3, Owner: "test"})
	require.NoError(t, err)
	c := pipeClient(t, e)
	ctx := context.Background()

	filters, err := c.ListFilters(ctx)
	require.NoError(t, err)
	require.Len(t, filters, 1)
	assert.Equal(t, "audit", filters[0].Name)
	assert.Equal(t, 3, filters[0].Priority)
	assert.False(t, filters[0].Active)

	require.NoError(t, c.Activate(ctx, "audit"))
	filters, err = c.ListFilters(ctx)
	require.NoError(t, err)
	assert.True(t, filters[0].Active)

	require.NoError(t, c.Deactivate(ctx, "audit"))
	assert.ErrorIs(t, c.Activate(ctx, "missing"), redirfs.ErrNotFound)
}

func TestControl_Paths(t *testing.T) {
	e := newEngine(t)
	_, err := e.Register(redirfs.FilterInfo{Name: "f", Active: true})
	require.NoError(t, err)
	c := pipeClient(t, e)
	ctx := context.Background()

	id, err := c.AddPath(ctx, "f", "/data", "", redirfs.PathInclude)
	require.NoError(t, err)
	assert.NotZero(t, id)

	paths, err := c.ListPaths(ctx, "f")
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "/data", paths[0].Path)
	assert.Equal(t, redirfs.PathInclude, paths[0].Flags)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Paths)
	assert.NotZero(t, st.Records)

	_, err = c.AddPath(ctx, "f", "/nowhere", "", redirfs.PathInclude)
	assert.ErrorIs(t, err, redirfs.ErrInvalidPath)

	require.NoError(t, c.RemovePath(ctx, id))
	assert.ErrorIs(t, c.RemovePath(ctx, id), redirfs.ErrNotFound)

	all, err := c.ListPaths(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestControl_UnknownOp(t *testing.T) {
	c := pipeClient(t, newEngine(t))
	_, err := c.call(context.Background(), &Request{Op: OpCode(200)})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestControl_ServeUDS(t *testing.T) {
	dir, err := os.MkdirTemp("", "rfs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "c.sock")

	stop, err := NewServer(newEngine(t), nil).ServeUDSBackground(sock)
	require.NoError(t, err)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, sock)
	require.NoError(t, err)
	defer c.Close()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, []string{"per-object", "shared"}, st.HookMode)
}

func TestReadFrame_RejectsOversizedFrames(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() { _, _ = a.Write([]byte{0xff, 0xff, 0xff, 0xff}) }()

	var req Request
	assert.ErrorIs(t, readFrame(b, &req), ErrFrameTooLarge)
}
