package governance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_PreservesPerGroupOrder(t *testing.T) {
	e, gw := newTestEnforcer(testConfig())
	d := NewDispatcher(e, testLogger())
	ctx := context.Background()

	members := []string{userX, userY, member1, member2}
	for _, m := range members {
		require.NoError(t, d.Submit(ctx, MembershipChange{
			GroupID: groupG, Action: ActionRemove, Participants: []string{m}, Author: userA,
		}))
	}
	require.NoError(t, d.Close(ctx))

	var restored []string
	for _, call := range gw.log() {
		for _, m := range members {
			if call == "add("+groupG+","+m+")" {
				restored = append(restored, m)
			}
		}
	}
	assert.Equal(t, members, restored)
}

func TestDispatcher_GroupsRunConcurrently(t *testing.T) {
	gw := newFakeGateway(botB)
	gw.addGroup(&Group{ID: "a@g.us", Owner: ownerO})
	gw.addGroup(&Group{ID: "b@g.us", Owner: ownerO})
	e := NewEnforcer(testConfig(), gw, nil, testLogger())
	d := NewDispatcher(e, testLogger())

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	e.AddObserver(ReportObserverFunc(func(context.Context, *Report) {
		started.Done()
		<-release
	}))

	ctx := context.Background()
	for _, g := range []string{"a@g.us", "b@g.us"} {
		require.NoError(t, d.Submit(ctx, MembershipChange{
			GroupID: g, Action: ActionAdd, Participants: []string{userX}, Author: ownerO,
		}))
	}

	waitCh := make(chan struct{})
	go func() {
		started.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("groups were not handled concurrently")
	}
	assert.Equal(t, 2, d.ActiveWorkers())

	close(release)
	require.NoError(t, d.Close(ctx))
}

func TestDispatcher_Purge(t *testing.T) {
	e, gw := newTestEnforcer(testConfig())
	gw.addGroup(purgeGroup())
	d := NewDispatcher(e, testLogger())

	done := make(chan *Report, 1)
	require.NoError(t, d.SubmitPurge(context.Background(), groupG, ownerO, func(r *Report) {
		done <- r
	}))

	select {
	case rep := <-done:
		assert.Equal(t, []string{member1, member2}, rep.Calls(OpRemove))
	case <-time.After(2 * time.Second):
		t.Fatal("purge did not run")
	}
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_IdleWorkerRetires(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerIdle = 20 * time.Millisecond
	e, _ := newTestEnforcer(cfg)
	d := NewDispatcher(e, testLogger())

	require.NoError(t, d.Submit(context.Background(), MembershipChange{
		GroupID: groupG, Action: ActionAdd, Participants: []string{userX}, Author: ownerO,
	}))

	assert.Eventually(t, func() bool { return d.ActiveWorkers() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_ClosedRejects(t *testing.T) {
	e, _ := newTestEnforcer(testConfig())
	d := NewDispatcher(e, testLogger())
	require.NoError(t, d.Close(context.Background()))

	err := d.Submit(context.Background(), MembershipChange{GroupID: groupG})
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestDispatcher_TrySubmitDoesNotBlock(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	e, _ := newTestEnforcer(cfg)
	d := NewDispatcher(e, testLogger())

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	e.AddObserver(ReportObserverFunc(func(context.Context, *Report) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}))

	evt := MembershipChange{GroupID: groupG, Action: ActionAdd, Participants: []string{userX}, Author: ownerO}
	require.NoError(t, d.TrySubmit(evt))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not pick up the first event")
	}

	require.NoError(t, d.TrySubmit(evt), "queue has room for one event")

	returned := make(chan error, 1)
	go func() { returned <- d.TrySubmit(evt) }()
	select {
	case err := <-returned:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("TrySubmit blocked on a full queue")
	}

	close(release)
	require.NoError(t, d.Close(context.Background()))
}
