package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, p string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	mt := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(p, mt, mt))
}

func TestPurgeDir(t *testing.T) {
	dir := t.TempDir()

	touch(t, filepath.Join(dir, "a.mp4"), 0)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "12345", "nested"), 0o755))
	touch(t, filepath.Join(dir, "12345", "nested", "b.mkv"), 0)

	require.NoError(t, PurgeDir(context.Background(), dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurgeDir_CreatesMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "downloads")

	require.NoError(t, PurgeDir(context.Background(), dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDeleteOrphans(t *testing.T) {
	dir := t.TempDir()

	old := filepath.Join(dir, "old.zip")
	fresh := filepath.Join(dir, "fresh.mp4")
	owned := filepath.Join(dir, "owned.mkv")

	touch(t, old, 2*time.Hour)
	touch(t, fresh, time.Minute)
	touch(t, owned, 2*time.Hour)

	n, err := DeleteOrphans(context.Background(), dir, func(p string) bool { return p == owned }, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, owned)
}

func TestDeleteOrphans_KeepsControlFileOfOwnedDownload(t *testing.T) {
	dir := t.TempDir()

	owned := filepath.Join(dir, "stalled.iso")
	control := owned + ".aria2"
	strayControl := filepath.Join(dir, "gone.iso.aria2")

	touch(t, owned, 2*time.Hour)
	touch(t, control, 2*time.Hour)
	touch(t, strayControl, 2*time.Hour)

	n, err := DeleteOrphans(context.Background(), dir, func(p string) bool { return p == owned }, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.FileExists(t, owned)
	assert.FileExists(t, control)
	assert.NoFileExists(t, strayControl)
}

func TestDeleteOrphans_MissingDir(t *testing.T) {
	n, err := DeleteOrphans(context.Background(), filepath.Join(t.TempDir(), "nope"), nil, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type fakePruner struct {
	calls     int
	retention time.Duration
}

func (f *fakePruner) Prune(retention time.Duration) int {
	f.calls++
	f.retention = retention

	return 0
}

func TestJanitor_Sweep(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "stale.bin")
	touch(t, stale, 3*time.Hour)

	p := &fakePruner{}
	j := &Janitor{Dir: dir, Board: p, OrphanAge: time.Hour, Retention: 24 * time.Hour}

	j.Sweep(context.Background())

	assert.NoFileExists(t, stale)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, 24*time.Hour, p.retention)
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	j := &Janitor{Dir: t.TempDir(), Interval: 5 * time.Millisecond, OrphanAge: time.Hour}

	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
