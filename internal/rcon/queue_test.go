package rcon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueSequenceWraps(t *testing.T) {
	q := newCommandQueue()
	now := time.Now()

	for i := 0; i < 300; i++ {
		seq, err := q.nextSequence()
		require.NoError(t, err)
		assert.Equal(t, byte(i), seq)
		q.add(seq, "cmd", now)
		assert.True(t, q.retire(seq))
	}
}

func TestQueueFullAfter256Outstanding(t *testing.T) {
	q := newCommandQueue()
	now := time.Now()

	seen := make(map[byte]bool)
	for i := 0; i < 256; i++ {
		seq, err := q.nextSequence()
		require.NoError(t, err)
		assert.False(t, seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
		q.add(seq, "cmd", now)
	}
	assert.Equal(t, 256, q.len())

	_, err := q.nextSequence()
	assert.ErrorIs(t, err, ErrQueueFull)

	require.True(t, q.retire(0))
	seq, err := q.nextSequence()
	require.NoError(t, err)
	assert.Equal(t, byte(0), seq)
}

func TestQueueSkipsOutstandingAfterWrap(t *testing.T) {
	q := newCommandQueue()
	now := time.Now()

	q.add(0, "stuck", now)
	q.next = 255

	seq, err := q.nextSequence()
	require.NoError(t, err)
	assert.Equal(t, byte(255), seq)

	seq, err = q.nextSequence()
	require.NoError(t, err)
	assert.Equal(t, byte(1), seq, "0 is still outstanding")
}

func TestQueueOldestUsesInsertionOrder(t *testing.T) {
	q := newCommandQueue()
	now := time.Now()
	q.next = 254

	for _, text := range []string{"a", "b", "c"} {
		seq, err := q.nextSequence()
		require.NoError(t, err)
		q.add(seq, text, now)
	}

	require.NotNil(t, q.oldest())
	assert.Equal(t, byte(254), q.oldest().seq)

	q.retire(254)
	assert.Equal(t, byte(255), q.oldest().seq)

	q.retire(255)
	assert.Equal(t, byte(0), q.oldest().seq)
	assert.Equal(t, "c", q.oldest().text)
}

func TestQueueDueForRetransmit(t *testing.T) {
	q := newCommandQueue()
	start := time.Unix(1000, 0)

	_, ok := q.dueForRetransmit(start, time.Second)
	assert.False(t, ok, "empty table")

	q.add(5, "players", start)

	_, ok = q.dueForRetransmit(start.Add(500*time.Millisecond), time.Second)
	assert.False(t, ok)

	cmd, ok := q.dueForRetransmit(start.Add(time.Second), time.Second)
	require.True(t, ok)
	assert.Equal(t, byte(5), cmd.seq)

	q.markResent(cmd, start.Add(time.Second))
	assert.Equal(t, 1, cmd.resends)
	_, ok = q.dueForRetransmit(start.Add(time.Hour), time.Second)
	assert.False(t, ok, "the head is resent once")

	// A new head becomes eligible once the resent entry retires.
	q.add(6, "missions", start)
	q.retire(5)
	cmd, ok = q.dueForRetransmit(start.Add(time.Hour), time.Second)
	require.True(t, ok)
	assert.Equal(t, byte(6), cmd.seq)
}

func TestQueueResetClearsResent(t *testing.T) {
	q := newCommandQueue()
	start := time.Unix(1000, 0)
	cmd := q.add(0, "players", start)
	q.markResent(cmd, start)

	q.reset()
	q.add(0, "players", start)
	_, ok := q.dueForRetransmit(start.Add(time.Hour), time.Second)
	assert.True(t, ok)
}

func TestQueueRetireUnknown(t *testing.T) {
	q := newCommandQueue()
	assert.False(t, q.retire(9))
}

func TestQueueReset(t *testing.T) {
	q := newCommandQueue()
	now := time.Now()
	for i := 0; i < 3; i++ {
		seq, _ := q.nextSequence()
		q.add(seq, "x", now)
	}

	assert.Equal(t, 3, q.reset())
	assert.Equal(t, 0, q.len())

	seq, err := q.nextSequence()
	require.NoError(t, err)
	assert.Equal(t, byte(0), seq)
}
