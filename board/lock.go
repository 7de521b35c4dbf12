package board

import (
	"context"
	"time"

	"github.com/gofrs/flock"

	swarmerr "github.com/vinayprograms/swarmkit/errors"
)

// lockMode selects a shared or exclusive flock.
type lockMode int

const (
	lockShared lockMode = iota
	lockExclusive
)

// acquire takes the board lock, retrying every RetryDelay until LockTimeout
// elapses. The returned release func must be called exactly once.
func (s *Store) acquire(ctx context.Context, name string, mode lockMode) (func(), error) {
	fl := flock.New(s.lockPath(name))

	lockCtx, cancel := context.WithTimeout(ctx, s.config.LockTimeout)
	defer cancel()

	start := time.Now()
	var (
		ok  bool
		err error
	)
	if mode == lockExclusive {
		ok, err = fl.TryLockContext(lockCtx, s.config.RetryDelay)
	} else {
		ok, err = fl.TryRLockContext(lockCtx, s.config.RetryDelay)
	}
	waited := time.Since(start)
	s.metrics.ObserveLockWait(name, waited)

	if ok && err == nil {
		return func() {
			if uerr := fl.Unlock(); uerr != nil {
				s.logger.Warn("unlock failed", map[string]interface{}{"board": name, "error": uerr.Error()})
			}
		}, nil
	}
	_ = fl.Close()

	// The caller's own cancellation is not a lock timeout.
	if ctx.Err() != nil {
		return nil, swarmerr.Wrap(ctx.Err(), "board "+name+": waiting for lock", swarmerr.WithBoard(name))
	}
	if err == nil || lockCtx.Err() != nil {
		s.metrics.IncLockTimeout(name)
		s.logger.Warn("lock timeout", map[string]interface{}{"board": name, "waited": waited.Round(time.Millisecond).String()})
		return nil, swarmerr.LockTimeout(name, s.config.LockTimeout)
	}
	return nil, swarmerr.Wrap(err, "board "+name+": lock", swarmerr.WithBoard(name))
}
