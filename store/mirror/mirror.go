/*
Package mirror layers a best-effort remote copy over a local PersistenceAdapter.

PURPOSE:
  The local adapter is authoritative and written synchronously. Each save
  is then queued for the remote adapter and pushed from a background
  goroutine. Remote failures are logged and never reach the engine, so a
  flaky network can neither roll back nor block a mutation.

QUEUEING:
  Only the newest snapshot matters, so the queue holds one slot: a save
  arriving while another is waiting replaces it.

LOAD:
  Load reads the local copy. When the local store is empty (fresh disk)
  the remote copy is used to seed it.

SEE ALSO:
  - store/sqlite: Typical local adapter
  - store/gcs:    Typical remote adapter
*/
package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/claims-billing/billing"
)

// DefaultRemoteTimeout bounds one remote save.
const DefaultRemoteTimeout = 30 * time.Second

type Store struct {
	local   billing.PersistenceAdapter
	remote  billing.PersistenceAdapter
	log     logrus.FieldLogger
	timeout time.Duration

	pending chan billing.Snapshot
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// New starts the background pusher. Call Close to flush and stop it.
func New(local, remote billing.PersistenceAdapter, log logrus.FieldLogger, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	s := &Store{
		local:   local,
		remote:  remote,
		log:     log.WithField("module", "mirror"),
		timeout: timeout,
		pending: make(chan billing.Snapshot, 1),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Load returns the local snapshot, seeding it from the remote when empty.
func (s *Store) Load(ctx context.Context) (*billing.Snapshot, error) {
	snap, err := s.local.Load(ctx)
	if err != nil || snap != nil {
		return snap, err
	}

	remote, err := s.remote.Load(ctx)
	if err != nil {
		s.log.WithError(err).Warn("remote snapshot unavailable, starting empty")
		return nil, nil
	}
	if remote == nil {
		return nil, nil
	}
	if err := s.local.Save(ctx, *remote); err != nil {
		return nil, err
	}
	s.log.WithField("last_saved", remote.LastSaved).Info("local store seeded from remote snapshot")
	return remote, nil
}

// Save writes locally, then queues the snapshot for the remote.
func (s *Store) Save(ctx context.Context, snap billing.Snapshot) error {
	if err := s.local.Save(ctx, snap); err != nil {
		return err
	}
	s.enqueue(snap)
	return nil
}

func (s *Store) enqueue(snap billing.Snapshot) {
	for {
		select {
		case s.pending <- snap:
			return
		default:
		}
		// Drop the stale snapshot and retry.
		select {
		case <-s.pending:
		default:
		}
	}
}

func (s *Store) run() {
	defer s.wg.Done()
	for {
		select {
		case snap := <-s.pending:
			s.push(snap)
		case <-s.done:
			select {
			case snap := <-s.pending:
				s.push(snap)
			default:
			}
			return
		}
	}
}

func (s *Store) push(snap billing.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.remote.Save(ctx, snap); err != nil {
		s.log.WithError(err).WithField("last_saved", snap.LastSaved).Error("remote sync failed")
		return
	}
	s.log.WithField("last_saved", snap.LastSaved).Debug("remote sync complete")
}

// Close pushes any queued snapshot and stops the background goroutine.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}
