package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jrhy/mirror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestFiles(t *testing.T) {
	dir, err := os.MkdirTemp("", "test")
	require.NoError(t, err)

	p, err := NewPersistForPath(dir)
	require.NoError(t, err)

	err = p.Store(ctx, "foo", []byte("hello"))
	require.NoError(t, err)
	loaded, err := p.Load(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), loaded)

	// content-addressed names never change content
	err = p.Store(ctx, "foo", []byte("goodbye"))
	require.NoError(t, err)
	loaded, err = p.Load(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), loaded)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	if !t.Failed() {
		os.RemoveAll(dir)
	} else {
		fmt.Println("temp directory:", dir)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "snapshots")
	p, err := NewPersistForPath(dir)
	require.NoError(t, err)

	node, err := mirror.NewNode("alpha", &mirror.Options{Transport: mirror.Discard, GCDelay: -1})
	require.NoError(t, err)
	require.NoError(t, node.SetState(map[string]interface{}{
		"name":  "widget",
		"parts": []interface{}{"bolt", "nut"},
	}))

	name, err := mirror.SaveSnapshot(ctx, p, node.Snapshot(), nil)
	require.NoError(t, err)

	loaded, err := mirror.LoadSnapshot(ctx, p, name, nil)
	require.NoError(t, err)

	restored, err := mirror.NewNode("beta", &mirror.Options{Transport: mirror.Discard, GCDelay: -1})
	require.NoError(t, err)
	require.NoError(t, restored.Restore(loaded))

	want, err := node.Digest()
	require.NoError(t, err)
	got, err := restored.Digest()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "widget", restored.State().(*mirror.Handle).Get("name"))
}
