// Package arbiter supervises the worker pool: it starts and restarts
// worker goroutines, signs their heartbeat tokens, and runs the periodic maintenance
// tasks (cert check, Redis health snapshot, worker memory cleanup).
package arbiter

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/uib-gmbh/confd/internal/auth"
)

// WorkerFunc is the function a worker process/goroutine runs. It must
// return promptly once ctx is cancelled.
type WorkerFunc func(ctx context.Context, workerNum int) error

// Arbiter supervises Workers instances of run, restarting any that exit
// unexpectedly, and drives the periodic maintenance tasks named in §4.D.
type Arbiter struct {
	workers        int
	run            WorkerFunc
	tokens         *auth.TokenManager
	certInterval   time.Duration
	healthInterval time.Duration
	gcInterval     time.Duration
	onCertCheck    func(ctx context.Context) error
	onHealthCheck  func(ctx context.Context) error
	onWorkerGC     func(ctx context.Context) error
	log            zerolog.Logger

	mu       sync.Mutex
	cancels  map[int]context.CancelFunc
	wg       sync.WaitGroup
	reloadCh chan struct{}
}

// Options configures an Arbiter.
type Options struct {
	Workers                 int
	Run                     WorkerFunc
	Tokens                  *auth.TokenManager
	ServerCertCheckInterval time.Duration
	RedisHealthInterval     time.Duration
	WorkerGCPeriod          time.Duration
	OnCertCheck             func(ctx context.Context) error
	OnHealthCheck           func(ctx context.Context) error
	OnWorkerGC              func(ctx context.Context) error
	Log                     zerolog.Logger
}

// New builds an Arbiter from opts.
func New(opts Options) *Arbiter {
	return &Arbiter{
		workers:        opts.Workers,
		run:            opts.Run,
		tokens:         opts.Tokens,
		certInterval:   opts.ServerCertCheckInterval,
		healthInterval: opts.RedisHealthInterval,
		gcInterval:     opts.WorkerGCPeriod,
		onCertCheck:    opts.OnCertCheck,
		onHealthCheck:  opts.OnHealthCheck,
		onWorkerGC:     opts.OnWorkerGC,
		log:            opts.Log,
		cancels:        map[int]context.CancelFunc{},
		reloadCh:       make(chan struct{}, 1),
	}
}

// Serve starts the worker pool and the periodic tasks, and blocks until ctx
// is cancelled or a termination signal is received. SIGINT/SIGTERM trigger
// a graceful stop; a second signal forces immediate exit. SIGHUP triggers a
// debounced reload.
func (a *Arbiter) Serve(ctx context.Context, reload func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for n := 0; n < a.workers; n++ {
		a.startWorker(ctx, n)
	}

	a.wg.Add(3)
	go func() { defer a.wg.Done(); a.runPeriodic(ctx, a.certInterval, a.onCertCheck) }()
	go func() { defer a.wg.Done(); a.runPeriodic(ctx, a.healthInterval, a.onHealthCheck) }()
	go func() { defer a.wg.Done(); a.runPeriodic(ctx, a.gcInterval, a.onWorkerGC) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	stopping := false
	stopped := make(chan struct{})
	ctxDone := ctx.Done()
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctxDone:
			a.wg.Wait()
			return ctx.Err()

		case <-stopped:
			return nil

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				debounce.Reset(2 * time.Second)
			case syscall.SIGINT, syscall.SIGTERM:
				if stopping {
					a.log.Warn().Msg("second termination signal received, forcing immediate stop")
					return nil
				}
				stopping = true
				a.log.Info().Msg("termination signal received, stopping gracefully")
				a.stopWorkers()
				cancel()
				ctxDone = nil
				go func() { a.wg.Wait(); close(stopped) }()
			}

		case <-debounce.C:
			if reload != nil {
				if err := reload(ctx); err != nil {
					a.log.Error().Err(err).Msg("config reload failed")
				}
			}
		}
	}
}

func (a *Arbiter) startWorker(ctx context.Context, n int) {
	workerCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancels[n] = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			err := a.run(workerCtx, n)
			if workerCtx.Err() != nil {
				return
			}
			if err != nil {
				a.log.Error().Err(err).Int("worker", n).Msg("worker exited unexpectedly, restarting")
			}
			select {
			case <-workerCtx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

// Recycle cancels worker n's current run and starts a fresh one in its
// place, used when the worker-GC task decides the worker's reported RSS
// exceeds the configured ceiling. It is a no-op if n isn't a running
// worker.
func (a *Arbiter) Recycle(ctx context.Context, n int) {
	a.mu.Lock()
	cancel, ok := a.cancels[n]
	a.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	a.startWorker(ctx, n)
}

func (a *Arbiter) stopWorkers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cancel := range a.cancels {
		cancel()
	}
}

func (a *Arbiter) runPeriodic(ctx context.Context, interval time.Duration, fn func(context.Context) error) {
	if fn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				a.log.Warn().Err(err).Msg("periodic task failed")
			}
		}
	}
}
