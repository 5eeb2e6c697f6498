package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

func testTask(id, owner string) *pipeline.Task {
	return &pipeline.Task{ID: id, Owner: owner, Title: "task " + id}
}

// collect reads n events or fails after a timeout.
func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func waitClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription was not closed")
	}
}

func TestHub_OrderedDelivery(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(WithBuffer(1024))
	task := testTask("t1", "alice")

	sub, err := hub.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer sub.Close()

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, hub.Publish(ctx, Log(task, pipeline.StageTriage, "info", fmt.Sprintf("msg %d", i))))
	}

	got := collect(t, sub, n)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, fmt.Sprintf("msg %d", i), ev.Message)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestHub_ConcurrentPublishersNoGaps(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(WithBuffer(4096))
	task := testTask("t1", "alice")

	a, err := hub.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer a.Close()
	b, err := hub.SubscribeOwner(ctx, task.Owner)
	require.NoError(t, err)
	defer b.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = hub.Publish(ctx, Log(task, pipeline.StageAgenticLoop, "info", "x"))
			}
		}()
	}
	wg.Wait()

	evA := collect(t, a, 800)
	evB := collect(t, b, 800)
	for i := range evA {
		assert.Equal(t, uint64(i+1), evA[i].Seq)
		// Every subscriber of the task observes the same order.
		assert.Equal(t, evA[i].ID, evB[i].ID)
	}
}

func TestHub_SequenceIsPerTask(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	t1 := testTask("t1", "alice")
	t2 := testTask("t2", "alice")

	owner, err := hub.SubscribeOwner(ctx, "alice")
	require.NoError(t, err)
	defer owner.Close()

	require.NoError(t, hub.Publish(ctx, Log(t1, "", "info", "a")))
	require.NoError(t, hub.Publish(ctx, Log(t2, "", "info", "b")))
	require.NoError(t, hub.Publish(ctx, Log(t1, "", "info", "c")))

	got := collect(t, owner, 3)
	assert.Equal(t, "t1", got[0].TaskID)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, "t2", got[1].TaskID)
	assert.Equal(t, uint64(1), got[1].Seq)
	assert.Equal(t, "t1", got[2].TaskID)
	assert.Equal(t, uint64(2), got[2].Seq)
}

func TestHub_OwnerFanOutIsolation(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()

	alice, err := hub.SubscribeOwner(ctx, "alice")
	require.NoError(t, err)
	defer alice.Close()
	other, err := hub.Subscribe(ctx, "t-other")
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, hub.Publish(ctx, StageUpdate(testTask("t1", "alice"), pipeline.StageTriage, pipeline.StatusInProgress, "")))
	require.NoError(t, hub.Publish(ctx, StageUpdate(testTask("t2", "bob"), pipeline.StageTriage, pipeline.StatusInProgress, "")))

	got := collect(t, alice, 1)
	assert.Equal(t, "t1", got[0].TaskID)

	select {
	case ev := <-alice.Events():
		t.Fatalf("unexpected event for another owner: %+v", ev)
	case ev := <-other.Events():
		t.Fatalf("unexpected event for another task: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SlowSubscriberIsClosed(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(WithBuffer(2))
	task := testTask("t1", "alice")

	slow, err := hub.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	fast, err := hub.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer fast.Close()

	var received []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range fast.Events() {
			received = append(received, ev)
			if len(received) == 5 {
				return
			}
		}
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(ctx, Log(task, "", "info", "x")))
		// Let the fast reader keep up.
		time.Sleep(5 * time.Millisecond)
	}
	<-done

	waitClosed(t, slow)
	// The slow subscriber got a prefix of the stream with no gap, then closure.
	var seqs []uint64
	for ev := range slow.Events() {
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []uint64{1, 2}, seqs)
	assert.Len(t, received, 5)
	assert.Equal(t, 1, hub.Subscribers())
}

func TestHub_ContextCancelUnsubscribes(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := hub.Subscribe(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	waitClosed(t, sub)
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)

	// Publishing after disconnect is harmless.
	require.NoError(t, hub.Publish(context.Background(), Log(testTask("t1", "alice"), "", "info", "x")))
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	sub, err := hub.Subscribe(context.Background(), "t1")
	require.NoError(t, err)

	sub.Close()
	sub.Close()
	_, ok := <-sub.Events()
	assert.False(t, ok)

	hub.Close()
	_, err = hub.Subscribe(context.Background(), "t1")
	assert.Error(t, err)
	assert.Error(t, hub.Publish(context.Background(), Log(testTask("t1", "a"), "", "info", "x")))
}

func TestHub_Validation(t *testing.T) {
	hub := NewHub()
	_, err := hub.Subscribe(context.Background(), "")
	assert.Error(t, err)
	_, err = hub.SubscribeOwner(context.Background(), "")
	assert.Error(t, err)
	assert.Error(t, hub.Publish(context.Background(), Event{Kind: KindLog}))
}

func TestEvent_Terminal(t *testing.T) {
	task := testTask("t1", "alice")
	assert.True(t, Error(task, pipeline.StageAgenticLoop, "boom").Terminal())
	assert.True(t, Complete(task, "", "done").Terminal())
	assert.False(t, Complete(task, pipeline.StageTriage, "").Terminal())
	assert.False(t, Log(task, "", "info", "x").Terminal())
}

type upperScrubber struct{}

func (upperScrubber) Scrub(s string) (string, int) {
	if s == "token=abc" {
		return "token=[REDACTED]", 1
	}
	return s, 0
}

func TestRedacting_ScrubsMessage(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	b := NewRedacting(hub, upperScrubber{})

	sub, err := b.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, Log(testTask("t1", "alice"), "", "info", "token=abc")))
	got := collect(t, sub, 1)
	assert.Equal(t, "token=[REDACTED]", got[0].Message)
}
