package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/redirfs/pkg/redirfs"
	"github.com/jingkaihe/redirfs/pkg/vfs"
)

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestAuditor_LogsInterceptedOps(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	v, err := vfs.New(vfs.NewProviderFS("mem", vfs.NewMemoryProvider()), vfs.Options{})
	require.NoError(t, err)
	require.NoError(t, v.Mkdir("/a", 0755))
	e, err := redirfs.New(v, redirfs.Options{})
	require.NoError(t, err)

	a := New(Options{Logger: logger, Level: slog.LevelDebug, Ops: []redirfs.OpID{redirfs.OpFileWrite, redirfs.OpInodeCreate}})
	f, err := a.Register(e, "audit", 0, true)
	require.NoError(t, err)
	_, err = e.AddPath(redirfs.PathInfo{Path: "/a", Filter: f, Flags: redirfs.PathInclude})
	require.NoError(t, err)

	buf.Reset()
	require.NoError(t, v.WriteFile("/a/f", []byte("hello"), 0644))

	var ops []string
	for _, r := range records(t, &buf) {
		if r["msg"] != "vfs op" {
			continue
		}
		ops = append(ops, r["op"].(string))
		assert.Equal(t, "audit", r["filter"])
		assert.Equal(t, "/a/f", r["path"])
		if r["op"] == "file.write" {
			assert.EqualValues(t, 5, r["bytes"])
			assert.Contains(t, r, "duration")
		}
	}
	assert.Equal(t, []string{"inode.create", "file.write"}, ops)
}

func TestAuditor_LevelGate(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	v, err := vfs.New(vfs.NewProviderFS("mem", vfs.NewMemoryProvider()), vfs.Options{})
	require.NoError(t, err)
	e, err := redirfs.New(v, redirfs.Options{})
	require.NoError(t, err)

	a := New(Options{Logger: logger, Level: slog.LevelDebug})
	f, err := a.Register(e, "quiet", 0, true)
	require.NoError(t, err)
	_, err = e.AddPath(redirfs.PathInfo{Path: "/", Filter: f, Flags: redirfs.PathInclude})
	require.NoError(t, err)

	buf.Reset()
	require.NoError(t, v.Mkdir("/d", 0755))
	assert.Empty(t, records(t, &buf))
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, l)

	l, err = ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
