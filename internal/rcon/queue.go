package rcon

import (
	"errors"
	"time"
)

// ErrQueueFull is returned when all 256 sequence numbers are outstanding.
var ErrQueueFull = errors.New("rcon: all sequence numbers are outstanding")

// outstandingCommand is a submitted command awaiting its reply.
type outstandingCommand struct {
	seq      byte
	text     string
	queuedAt time.Time
	lastSent time.Time
	resends  int
	// order is the submission index; it identifies the oldest entry
	// independently of sequence wraparound.
	order uint64
}

// commandQueue is the outstanding-command table. It is not safe for
// concurrent use; the Client serializes access through its mutex.
type commandQueue struct {
	next    byte
	counter uint64
	entries map[byte]*outstandingCommand
	// resent is the order of the entry most recently retransmitted, or 0.
	// Each head of the table is resent at most once.
	resent uint64
}

func newCommandQueue() *commandQueue {
	return &commandQueue{entries: make(map[byte]*outstandingCommand)}
}

// nextSequence returns the next free sequence number, skipping numbers that
// are still outstanding after the counter wraps from 255 to 0.
func (q *commandQueue) nextSequence() (byte, error) {
	for i := 0; i < 256; i++ {
		seq := q.next
		q.next++
		if _, busy := q.entries[seq]; !busy {
			return seq, nil
		}
	}
	return 0, ErrQueueFull
}

func (q *commandQueue) add(seq byte, text string, now time.Time) *outstandingCommand {
	q.counter++
	cmd := &outstandingCommand{
		seq:      seq,
		text:     text,
		queuedAt: now,
		lastSent: now,
		order:    q.counter,
	}
	q.entries[seq] = cmd
	return cmd
}

// retire removes the entry for seq and reports whether it was outstanding.
func (q *commandQueue) retire(seq byte) bool {
	cmd, ok := q.entries[seq]
	if !ok {
		return false
	}
	if cmd.order == q.resent {
		q.resent = 0
	}
	delete(q.entries, seq)
	return true
}

func (q *commandQueue) oldest() *outstandingCommand {
	var oldest *outstandingCommand
	for _, cmd := range q.entries {
		if oldest == nil || cmd.order < oldest.order {
			oldest = cmd
		}
	}
	return oldest
}

// dueForRetransmit returns the single retransmission candidate: the oldest
// outstanding command, once it is interval old and unless it is already the
// one most recently resent.
func (q *commandQueue) dueForRetransmit(now time.Time, interval time.Duration) (*outstandingCommand, bool) {
	cmd := q.oldest()
	if cmd == nil || cmd.order == q.resent || now.Sub(cmd.lastSent) < interval {
		return nil, false
	}
	return cmd, true
}

// markResent records cmd as the most recently retransmitted entry.
func (q *commandQueue) markResent(cmd *outstandingCommand, now time.Time) {
	cmd.lastSent = now
	cmd.resends++
	q.resent = cmd.order
}

func (q *commandQueue) len() int {
	return len(q.entries)
}

// reset discards every outstanding command and returns how many were dropped.
// The sequence counter restarts at 0 for the next session.
func (q *commandQueue) reset() int {
	dropped := len(q.entries)
	q.entries = make(map[byte]*outstandingCommand)
	q.next = 0
	q.resent = 0
	return dropped
}
