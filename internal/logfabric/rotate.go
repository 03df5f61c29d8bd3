package logfabric

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"
)

// idleClose is how long a per-client file handler sits open with no writes
// before Fanout closes it, per §4.I.
const idleClose = 5 * time.Minute

// Fanout consumes a node's log stream and writes each record into a
// per-client rotating file under dir, matching the original's "per-client
// file handlers created lazily and closed after an idle window" behavior.
// Records with no client id are dropped — Fanout only serves the per-client
// split, the console/stream sinks already cover the node-wide log.
type Fanout struct {
	dir          string
	keepRotated  int
	maxSizeMB    int
	mu           sync.Mutex
	writers      map[string]*clientWriter
}

type clientWriter struct {
	logger   *lumberjack.Logger
	lastUsed time.Time
}

// NewFanout builds a Fanout writing under dir, keeping keepRotated rotated
// backups per client file, each rotated once it exceeds maxSizeMB.
func NewFanout(dir string, maxSizeMB, keepRotated int) *Fanout {
	return &Fanout{
		dir:         dir,
		keepRotated: keepRotated,
		maxSizeMB:   maxSizeMB,
		writers:     make(map[string]*clientWriter),
	}
}

// Run consumes node's stream via Follow and fans records out until ctx is
// cancelled, closing idle client files on a periodic sweep.
func (f *Fanout) Run(ctx context.Context, client *redis.Client, node string) error {
	out := make(chan Record, 256)
	errCh := make(chan error, 1)
	go func() { errCh <- Follow(ctx, client, node, out) }()

	sweep := time.NewTicker(idleClose)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			f.closeAll()
			return ctx.Err()
		case err := <-errCh:
			f.closeAll()
			return err
		case rec := <-out:
			f.write(rec)
		case <-sweep.C:
			f.closeIdle()
		}
	}
}

func (f *Fanout) write(rec Record) {
	if rec.ClientID == "" {
		return
	}

	f.mu.Lock()
	w, ok := f.writers[rec.ClientID]
	if !ok {
		w = &clientWriter{logger: &lumberjack.Logger{
			Filename:   filepath.Join(f.dir, rec.ClientID+".log"),
			MaxSize:    f.maxSizeMB,
			MaxBackups: f.keepRotated,
			Compress:   false,
		}}
		f.writers[rec.ClientID] = w
	}
	w.lastUsed = time.Now()
	f.mu.Unlock()

	line := rec.Time.Format(time.RFC3339) + " [" + rec.Level + "] " + rec.Message + "\n"
	_, _ = w.logger.Write([]byte(line))
}

func (f *Fanout) closeIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-idleClose)
	for id, w := range f.writers {
		if w.lastUsed.Before(cutoff) {
			_ = w.logger.Close()
			delete(f.writers, id)
		}
	}
}

func (f *Fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, w := range f.writers {
		_ = w.logger.Close()
		delete(f.writers, id)
	}
}

// Symlink points <fqdn>.log at <ip>.log under dir, so operators can find a
// client's log by hostname even though Fanout files clients by address.
func Symlink(dir, fqdn, ip string) error {
	if fqdn == "" || ip == "" || fqdn == ip {
		return nil
	}
	link := filepath.Join(dir, fqdn+".log")
	target := ip + ".log"
	_ = os.Remove(link)
	return os.Symlink(target, link)
}

// PurgeOld removes *.log* files under dir whose modification time is older
// than olderThan, run by the setup subcommand per §4.I.
func PurgeOld(dir string, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.Contains(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}
