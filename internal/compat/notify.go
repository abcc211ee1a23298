package compat

import (
	"context"
	"errors"
	"time"

	"github.com/spinnaker-tools/spalloc-server/internal/alloc"
	"github.com/spinnaker-tools/spalloc-server/internal/epoch"
	"github.com/spinnaker-tools/spalloc-server/internal/protocol"
)

// notifierStopGrace bounds how long session teardown waits for one
// notifier to acknowledge cancellation.
const notifierStopGrace = time.Second

// notifier is one long-poll loop: wait on an epoch, snapshot, write a
// change message through the owning session's writer.
type notifier struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (n *notifier) stop() {
	n.cancel()
	select {
	case <-n.done:
	case <-time.After(notifierStopGrace):
	}
}

// startJobNotifier subscribes to job changes; a nil key means all jobs.
// Idempotent per key.
func (s *session) startJobNotifier(key *int) {
	mapKey := allJobsKey
	if key != nil {
		mapKey = *key
	}
	if _, ok := s.jobNotifiers[mapKey]; ok {
		return
	}
	n := s.spawnNotifier(&s.srv.epochs.Jobs, func(ctx context.Context) (any, bool, error) {
		ids, err := s.srv.allocator.JobIDs(ctx)
		if err != nil {
			return nil, false, err
		}
		if key != nil {
			ids = filterInts(ids, *key)
		}
		return protocol.NewJobNotify(ids), len(ids) > 0, nil
	})
	s.jobNotifiers[mapKey] = n
}

func (s *session) stopJobNotifier(key *int) {
	mapKey := allJobsKey
	if key != nil {
		mapKey = *key
	}
	if n, ok := s.jobNotifiers[mapKey]; ok {
		delete(s.jobNotifiers, mapKey)
		n.stop()
	}
}

// startMachineNotifier subscribes to machine changes; a nil key means
// all machines. Idempotent per key.
func (s *session) startMachineNotifier(key *string) {
	mapKey := allMachinesKey
	if key != nil {
		mapKey = *key
	}
	if _, ok := s.machineNotifiers[mapKey]; ok {
		return
	}
	n := s.spawnNotifier(&s.srv.epochs.Machines, func(ctx context.Context) (any, bool, error) {
		names, err := s.srv.allocator.MachineNames(ctx)
		if err != nil {
			return nil, false, err
		}
		if key != nil {
			names = filterStrings(names, *key)
		}
		return protocol.NewMachineNotify(names), len(names) > 0, nil
	})
	s.machineNotifiers[mapKey] = n
}

func (s *session) stopMachineNotifier(key *string) {
	mapKey := allMachinesKey
	if key != nil {
		mapKey = *key
	}
	if n, ok := s.machineNotifiers[mapKey]; ok {
		delete(s.machineNotifiers, mapKey)
		n.stop()
	}
}

// stopAllNotifiers runs at session close, after the dispatch loop has
// exited, so the maps are no longer being mutated.
func (s *session) stopAllNotifiers() {
	for key, n := range s.jobNotifiers {
		delete(s.jobNotifiers, key)
		n.stop()
	}
	for key, n := range s.machineNotifiers {
		delete(s.machineNotifiers, key)
		n.stop()
	}
}

// spawnNotifier runs the long-poll loop until cancelled or the client
// socket dies. snapshot returns the message, whether it is worth
// sending, and any query error.
func (s *session) spawnNotifier(e *epoch.Epoch, snapshot func(ctx context.Context) (any, bool, error)) *notifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &notifier{cancel: cancel, done: make(chan struct{})}

	waitTime := s.srv.cfg.NotifyWaitTime.Duration()
	if waitTime <= 0 {
		waitTime = 60 * time.Second
	}

	go func() {
		defer close(n.done)

		token := e.Current()
		for {
			changed := e.WaitForChange(ctx, token, waitTime)
			if ctx.Err() != nil {
				return
			}
			// Capture before the query so changes racing it wake the
			// next round.
			token = e.Current()
			if !changed {
				continue
			}

			msg, send, err := snapshot(ctx)
			if err != nil {
				if errors.Is(err, alloc.ErrUnavailable) {
					s.log.Warn("notifier snapshot failed", "error", err)
					continue
				}
				s.log.Warn("notifier stopped", "error", err)
				return
			}
			if !send {
				continue
			}
			if err := s.writeLine(msg); err != nil {
				// The session teardown path owns the socket; just stop.
				return
			}
		}
	}()
	return n
}

func filterInts(ids []int, keep int) []int {
	out := []int{}
	for _, id := range ids {
		if id == keep {
			out = append(out, id)
		}
	}
	return out
}

func filterStrings(names []string, keep string) []string {
	out := []string{}
	for _, n := range names {
		if n == keep {
			out = append(out, n)
		}
	}
	return out
}
