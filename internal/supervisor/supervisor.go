// Package supervisor runs the relayer's long-lived tasks under a shared
// shutdown broadcast, per spec.md 4.4. It does not read configuration:
// cmd/relayer builds one watcher per enabled contract and one queue per
// enabled chain and hands each to Spawn.
//
// Grounded in the teacher's main.go lifecycle (context.WithCancel plus a
// signal.Notify'd quit channel, each long-running component launched with
// go and waited on before exit), generalized from one hardcoded validator
// node into N per-resource tasks.
package supervisor

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/certen/chain-relayer/internal/store"
)

// Task is anything the supervisor keeps running until shutdown.
type Task interface {
	Run(ctx context.Context, shutdown <-chan struct{}) error
}

// Supervisor owns the shutdown broadcast and every spawned task's lifetime.
type Supervisor struct {
	store    store.Store
	log      zerolog.Logger
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// New constructs a Supervisor holding st. Spawned tasks are not given st by
// the Supervisor; each receives its store when it is constructed.
func New(st store.Store, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		store:    st,
		log:      log,
		shutdown: make(chan struct{}),
	}
}

// Spawn launches task under ctx, recording any error it returns once it
// exits. Tasks are expected to run until shutdown is closed or ctx is
// cancelled.
func (s *Supervisor) Spawn(ctx context.Context, name string, task Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := task.Run(ctx, s.shutdown); err != nil {
			s.log.Error().Err(err).Str("task", name).Msg("task exited with error")
			s.mu.Lock()
			s.errs = append(s.errs, err)
			s.mu.Unlock()
		}
	}()
}

// Shutdown broadcasts the shutdown signal. Safe to call once; a second call
// panics, matching close-once channel semantics, since only the process's
// single signal handler should ever trigger it.
func (s *Supervisor) Shutdown() {
	close(s.shutdown)
}

// Wait blocks until every spawned task has returned, then returns the first
// recorded error, if any.
func (s *Supervisor) Wait() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		return s.errs[0]
	}
	return nil
}
