package events

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func newNATSBroadcaster(t *testing.T) *NATSBroadcaster {
	t.Helper()
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	b, err := NewNATSBroadcaster(nc, "test", 256, nil)
	require.NoError(t, err)
	return b
}

func TestNATSBroadcaster_Subject(t *testing.T) {
	b := &NATSBroadcaster{prefix: "tasks"}
	ev := Event{TaskID: "a.b", Owner: "alice smith", Kind: KindProgress}
	assert.Equal(t, "tasks.alice_smith.a_b.progress", b.Subject(ev))
	assert.Equal(t, "tasks._.t1.log", b.Subject(Event{TaskID: "t1", Kind: KindLog}))
}

func TestNATSBroadcaster_OrderedTaskStream(t *testing.T) {
	ctx := context.Background()
	b := newNATSBroadcaster(t)
	task := testTask("t1", "alice")

	sub, err := b.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Publish(ctx, Progress(task, pipeline.StageAgenticLoop, pipeline.PhaseExecution, i, i*10, "")))
	}

	got := collect(t, sub, 5)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, i+1, ev.Iteration)
		assert.Equal(t, (i+1)*10, ev.Percent)
		assert.Equal(t, "alice", ev.Owner)
	}
}

func TestNATSBroadcaster_OwnerStream(t *testing.T) {
	ctx := context.Background()
	b := newNATSBroadcaster(t)

	sub, err := b.SubscribeOwner(ctx, "alice")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, Log(testTask("t1", "alice"), "", "info", "one")))
	require.NoError(t, b.Publish(ctx, Log(testTask("t2", "bob"), "", "info", "skip")))
	require.NoError(t, b.Publish(ctx, Log(testTask("t3", "alice"), "", "info", "two")))

	got := collect(t, sub, 2)
	assert.Equal(t, "one", got[0].Message)
	assert.Equal(t, "two", got[1].Message)
}

func TestNATSBroadcaster_CollidingOwnersAreIsolated(t *testing.T) {
	ctx := context.Background()
	b := newNATSBroadcaster(t)
	require.Equal(t, subjectToken("team.a"), subjectToken("team_a"))

	sub, err := b.SubscribeOwner(ctx, "team.a")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, Log(testTask("t1", "team_a"), "", "info", "secret for team_a")))
	require.NoError(t, b.Publish(ctx, Log(testTask("t2", "team.a"), "", "info", "mine")))

	got := collect(t, sub, 1)
	assert.Equal(t, "team.a", got[0].Owner)
	assert.Equal(t, "mine", got[0].Message)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event for owner %q: %q", ev.Owner, ev.Message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNATSBroadcaster_CollidingTasksAreIsolated(t *testing.T) {
	ctx := context.Background()
	b := newNATSBroadcaster(t)

	sub, err := b.Subscribe(ctx, "a.b")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, Log(testTask("a_b", "alice"), "", "info", "other")))
	require.NoError(t, b.Publish(ctx, Log(testTask("a.b", "alice"), "", "info", "first")))
	require.NoError(t, b.Publish(ctx, Log(testTask("a.b", "alice"), "", "info", "second")))

	got := collect(t, sub, 2)
	assert.Equal(t, []string{"first", "second"}, []string{got[0].Message, got[1].Message})
	assert.Equal(t, []uint64{1, 2}, []uint64{got[0].Seq, got[1].Seq})
}

func TestNATSBroadcaster_CancelCloses(t *testing.T) {
	b := newNATSBroadcaster(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := b.Subscribe(ctx, "t1")
	require.NoError(t, err)
	cancel()
	waitClosed(t, sub)

	require.Eventually(t, func() bool {
		_, ok := <-sub.Events()
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestNewNATSBroadcaster_RequiresConn(t *testing.T) {
	_, err := NewNATSBroadcaster(nil, "", 0, nil)
	assert.Error(t, err)
}
