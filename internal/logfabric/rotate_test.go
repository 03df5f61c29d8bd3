package logfabric_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uib-gmbh/confd/internal/logfabric"
	"github.com/uib-gmbh/confd/internal/testutil"
)

func publishRecord(t *testing.T, client *redis.Client, node string, rec logfabric.Record) {
	t.Helper()
	line, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "confd:log:" + node,
		Values: map[string]any{"line": string(line), "node": node},
	}).Err())
}

func TestFanout_WritesPerClientLogFile(t *testing.T) {
	client := testutil.NewTestRedis(t)
	dir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fanout := logfabric.NewFanout(dir, 5, 3)
	go func() { _ = fanout.Run(ctx, client, "node-a") }()

	time.Sleep(20 * time.Millisecond)
	publishRecord(t, client, "node-a", logfabric.Record{
		Time: time.Now(), Level: "info", Message: "client connected", ClientID: "10.0.0.5",
	})

	path := filepath.Join(dir, "10.0.0.5.log")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(data) > 0
	}, time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "client connected")
}

func TestFanout_SkipsRecordsWithNoClientID(t *testing.T) {
	client := testutil.NewTestRedis(t)
	dir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fanout := logfabric.NewFanout(dir, 5, 3)
	go func() { _ = fanout.Run(ctx, client, "node-b") }()

	time.Sleep(20 * time.Millisecond)
	publishRecord(t, client, "node-b", logfabric.Record{Time: time.Now(), Level: "info", Message: "node-wide line"})

	time.Sleep(100 * time.Millisecond)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSymlink_PointsFQDNAtIPLog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10.0.0.5.log"), []byte("line\n"), 0o644))

	require.NoError(t, logfabric.Symlink(dir, "client1.example.org", "10.0.0.5"))

	target, err := os.Readlink(filepath.Join(dir, "client1.example.org.log"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5.log", target)
}

func TestSymlink_NoopWhenFQDNEqualsIP(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, logfabric.Symlink(dir, "10.0.0.5", "10.0.0.5"))

	_, err := os.Lstat(filepath.Join(dir, "10.0.0.5.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestPurgeOld_RemovesFilesOlderThanCutoff(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.log")
	newPath := filepath.Join(dir, "new.log")
	require.NoError(t, os.WriteFile(oldPath, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(newPath, []byte("x"), 0o644))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, old, old))

	require.NoError(t, logfabric.PurgeOld(dir, 24*time.Hour))

	_, err := os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newPath)
	assert.NoError(t, err)
}

func TestPurgeOld_MissingDirIsNotAnError(t *testing.T) {
	assert.NoError(t, logfabric.PurgeOld(filepath.Join(t.TempDir(), "nonexistent"), time.Hour))
}
