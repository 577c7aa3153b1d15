package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastExcludesSenderAndOffline(t *testing.T) {
	r := NewMessageRouter()
	for _, u := range []string{"alice", "bob", "carol"} {
		r.Track(u)
	}

	// carol is offline: not in the snapshot
	fanout := r.Broadcast("alice", "alice", "hello", []string{"alice", "bob"})
	assert.Equal(t, 1, fanout)

	assert.Equal(t, 0, r.Len("alice"), "sender never receives its own broadcast")
	assert.Equal(t, 1, r.Len("bob"))
	assert.Equal(t, 0, r.Len("carol"))

	msg, ok := r.Pop("bob")
	require.True(t, ok)
	assert.Equal(t, Message{Sender: "alice", Body: "hello"}, msg)
}

func TestBroadcastSystemNoticeExcludesSubject(t *testing.T) {
	r := NewMessageRouter()
	r.Track("alice")
	r.Track("bob")

	r.Broadcast("SERVER", "alice", "alice has joined the chat room!", []string{"alice", "bob"})

	assert.Equal(t, 0, r.Len("alice"))
	msg, ok := r.Pop("bob")
	require.True(t, ok)
	assert.Equal(t, "SERVER", msg.Sender)
}

func TestBroadcastFIFOOrder(t *testing.T) {
	r := NewMessageRouter()
	r.Track("alice")
	r.Track("bob")
	online := []string{"alice", "bob"}

	r.Broadcast("alice", "alice", "m1", online)
	r.Broadcast("alice", "alice", "m2", online)

	m1, ok := r.Pop("bob")
	require.True(t, ok)
	m2, ok := r.Pop("bob")
	require.True(t, ok)
	assert.Equal(t, "m1", m1.Body)
	assert.Equal(t, "m2", m2.Body)
}

func TestUnicastQueuesForOfflineUser(t *testing.T) {
	r := NewMessageRouter()
	r.Track("alice")

	// alice is offline; the message queues anyway
	require.NoError(t, r.Unicast("bob", "alice", "hi"))
	assert.Equal(t, 1, r.Len("alice"))

	msg, ok := r.Pop("alice")
	require.True(t, ok)
	assert.Equal(t, Message{Sender: "bob", Body: "hi"}, msg)
}

func TestUnicastUnknownUser(t *testing.T) {
	r := NewMessageRouter()
	r.Track("bob")

	err := r.Unicast("bob", "nobody", "hi")
	assert.ErrorIs(t, err, ErrNoSuchUser)
}

func TestPopEmptyQueue(t *testing.T) {
	r := NewMessageRouter()
	r.Track("alice")

	_, ok := r.Pop("alice")
	assert.False(t, ok)
}

func TestDrainReturnsAllInOrder(t *testing.T) {
	r := NewMessageRouter()
	r.Track("alice")

	require.NoError(t, r.Unicast("bob", "alice", "m1"))
	require.NoError(t, r.Unicast("carol", "alice", "m2"))

	pending := r.Drain("alice")
	require.Len(t, pending, 2)
	assert.Equal(t, "m1", pending[0].Body)
	assert.Equal(t, "m2", pending[1].Body)
	assert.Equal(t, 0, r.Len("alice"))
}

func TestWakeSignalling(t *testing.T) {
	r := NewMessageRouter()
	r.Track("alice")
	wake := r.Wake("alice")

	select {
	case <-wake:
		t.Fatal("wake channel must be empty before any message")
	default:
	}

	require.NoError(t, r.Unicast("bob", "alice", "m1"))
	require.NoError(t, r.Unicast("bob", "alice", "m2"))

	select {
	case <-wake:
	default:
		t.Fatal("wake channel must signal after enqueue")
	}

	// Pop re-arms the signal while messages remain
	_, ok := r.Pop("alice")
	require.True(t, ok)
	select {
	case <-wake:
	default:
		t.Fatal("wake channel must re-arm while the queue is non-empty")
	}

	_, ok = r.Pop("alice")
	require.True(t, ok)
	select {
	case <-wake:
		t.Fatal("wake channel must stay quiet once the queue is drained")
	default:
	}
}

func TestQueuedTotal(t *testing.T) {
	r := NewMessageRouter()
	r.Track("alice")
	r.Track("bob")

	require.NoError(t, r.Unicast("bob", "alice", "m1"))
	require.NoError(t, r.Unicast("alice", "bob", "m2"))
	require.NoError(t, r.Unicast("alice", "bob", "m3"))

	assert.Equal(t, 3, r.QueuedTotal())
}

func TestTrackIsIdempotent(t *testing.T) {
	r := NewMessageRouter()
	r.Track("alice")
	require.NoError(t, r.Unicast("bob", "alice", "held"))

	// Re-tracking at the next login must not wipe the offline queue
	r.Track("alice")
	assert.Equal(t, 1, r.Len("alice"))
}
