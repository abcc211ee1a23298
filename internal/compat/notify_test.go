package compat

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/spinnaker-tools/spalloc-server/internal/alloc"
	"github.com/spinnaker-tools/spalloc-server/internal/config"
	"github.com/spinnaker-tools/spalloc-server/internal/epoch"
	"github.com/spinnaker-tools/spalloc-server/internal/storage"
)

// pipeSession builds a session over net.Pipe, bypassing the listener, so
// subscription bookkeeping can be observed directly.
func pipeSession(t *testing.T) (*session, net.Conn) {
	t.Helper()

	tracker := epoch.NewTracker()
	a, err := storage.NewSQLite(":memory:", tracker, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	cfg := config.Default().Compat
	svc := New(cfg, a, tracker, alloc.Principal{Name: cfg.ServiceUser}, quietLogger())

	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return newSession(svc, server), client
}

func TestNotifierSubscribeUnsubscribeLeavesNoLeak(t *testing.T) {
	sess, _ := pipeSession(t)

	sess.startJobNotifier(nil)
	if len(sess.jobNotifiers) != 1 {
		t.Fatalf("len(jobNotifiers) = %d, want 1", len(sess.jobNotifiers))
	}
	n := sess.jobNotifiers[allJobsKey]

	// Subscribing again under the same key is a no-op.
	sess.startJobNotifier(nil)
	if len(sess.jobNotifiers) != 1 {
		t.Errorf("len(jobNotifiers) = %d after resubscribe, want 1", len(sess.jobNotifiers))
	}
	if sess.jobNotifiers[allJobsKey] != n {
		t.Error("resubscribe replaced the running notifier")
	}

	sess.stopJobNotifier(nil)
	if len(sess.jobNotifiers) != 0 {
		t.Errorf("len(jobNotifiers) = %d after unsubscribe, want 0", len(sess.jobNotifiers))
	}
	select {
	case <-n.done:
	case <-time.After(2 * time.Second):
		t.Error("notifier still running after unsubscribe")
	}
}

func TestNotifierKeysAreIndependent(t *testing.T) {
	sess, _ := pipeSession(t)

	seven := 7
	sess.startJobNotifier(nil)
	sess.startJobNotifier(&seven)
	if len(sess.jobNotifiers) != 2 {
		t.Fatalf("len(jobNotifiers) = %d, want 2", len(sess.jobNotifiers))
	}

	sess.stopJobNotifier(&seven)
	if len(sess.jobNotifiers) != 1 {
		t.Errorf("len(jobNotifiers) = %d, want 1", len(sess.jobNotifiers))
	}
	if _, ok := sess.jobNotifiers[allJobsKey]; !ok {
		t.Error("all-jobs notifier removed by keyed unsubscribe")
	}
	sess.stopJobNotifier(nil)
}

func TestStopAllNotifiers(t *testing.T) {
	sess, _ := pipeSession(t)

	name := "m1"
	sess.startJobNotifier(nil)
	sess.startMachineNotifier(nil)
	sess.startMachineNotifier(&name)

	var handles []*notifier
	for _, n := range sess.jobNotifiers {
		handles = append(handles, n)
	}
	for _, n := range sess.machineNotifiers {
		handles = append(handles, n)
	}

	sess.stopAllNotifiers()
	if len(sess.jobNotifiers) != 0 || len(sess.machineNotifiers) != 0 {
		t.Errorf("notifier maps not emptied: %d jobs, %d machines",
			len(sess.jobNotifiers), len(sess.machineNotifiers))
	}
	for _, n := range handles {
		select {
		case <-n.done:
		case <-time.After(2 * time.Second):
			t.Fatal("notifier still running after stopAllNotifiers")
		}
	}
}

func TestNotifierWriteSerialisedWithResponses(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.dial(t)

	if _, err := c.Call("notify_job", nil, nil); err != nil {
		t.Fatalf("notify_job failed: %v", err)
	}

	// Hammer commands while the allocator churns jobs; every line the
	// client sees must parse, which fails if writes interleave.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			ts.allocator.CreateJob(context.Background(), alloc.Principal{},
				alloc.CreateRequest{
					Owner:      "bob",
					Descriptor: alloc.NumBoards{Boards: 1},
					Keepalive:  time.Minute,
				})
		}
	}()

	for i := 0; i < 20; i++ {
		if _, err := c.Version(); err != nil {
			t.Fatalf("version call %d failed: %v", i, err)
		}
	}
	<-done
}
