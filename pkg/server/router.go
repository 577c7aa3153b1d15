package server

import (
	"errors"
	"sync"
)

// ErrNoSuchUser indicates a direct message addressed to an unknown username.
var ErrNoSuchUser = errors.New("no such user")

// Message is one queued chat message. Immutable once created.
type Message struct {
	Sender string
	Body   string
}

// MessageRouter owns the per-user pending queues. Each known username has a
// FIFO queue that survives logouts (it holds offline direct messages) and a
// wake channel that signals the owning session when the queue becomes
// non-empty. All queue access goes through the router's lock.
type MessageRouter struct {
	mu     sync.Mutex
	queues map[string][]Message
	wake   map[string]chan struct{}
}

// NewMessageRouter creates an empty router
func NewMessageRouter() *MessageRouter {
	return &MessageRouter{
		queues: make(map[string][]Message),
		wake:   make(map[string]chan struct{}),
	}
}

// Track creates the pending queue for a username if it does not exist yet.
func (r *MessageRouter) Track(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queues[username]; !ok {
		r.queues[username] = nil
		r.wake[username] = make(chan struct{}, 1)
	}
}

// Broadcast appends a message from `from` to the queue of every username in
// the online snapshot except `exclude`, and returns the fan-out count.
// System notices pass the server sender as `from` while still excluding the
// user the notice is about. The snapshot comes from the presence registry;
// taking it outside this lock keeps the no-two-locks-at-once rule (a
// presence flip mid-broadcast is an accepted race).
func (r *MessageRouter) Broadcast(from, exclude, body string, online []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	fanout := 0
	for _, username := range online {
		if username == exclude {
			continue
		}
		if _, ok := r.queues[username]; !ok {
			continue
		}
		r.queues[username] = append(r.queues[username], Message{Sender: from, Body: body})
		r.signalLocked(username)
		fanout++
	}
	return fanout
}

// Unicast appends a direct message to the receiver's queue whether or not
// the receiver is online; this is the offline-message mechanism. An unknown
// receiver is an ErrNoSuchUser, never a silent drop.
func (r *MessageRouter) Unicast(sender, receiver, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.queues[receiver]; !ok {
		return ErrNoSuchUser
	}
	r.queues[receiver] = append(r.queues[receiver], Message{Sender: sender, Body: body})
	r.signalLocked(receiver)
	return nil
}

// Pop removes and returns the oldest pending message for the username. If
// messages remain afterwards the wake channel is re-armed so the owning
// session keeps draining one message per loop iteration.
func (r *MessageRouter) Pop(username string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.queues[username]
	if len(queue) == 0 {
		return Message{}, false
	}
	msg := queue[0]
	r.queues[username] = queue[1:]
	if len(r.queues[username]) > 0 {
		r.signalLocked(username)
	}
	return msg, true
}

// Drain removes and returns all pending messages for the username, oldest
// first. Used to flush offline messages at login.
func (r *MessageRouter) Drain(username string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.queues[username]
	r.queues[username] = nil
	return queue
}

// Wake returns the username's wake channel. It carries one token whenever
// the queue has become non-empty; a session selects on it instead of
// polling.
func (r *MessageRouter) Wake(username string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.wake[username]
}

// Len returns the number of pending messages for the username.
func (r *MessageRouter) Len(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.queues[username])
}

// QueuedTotal returns the total number of pending messages across all users.
func (r *MessageRouter) QueuedTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, queue := range r.queues {
		total += len(queue)
	}
	return total
}

func (r *MessageRouter) signalLocked(username string) {
	select {
	case r.wake[username] <- struct{}{}:
	default:
	}
}
