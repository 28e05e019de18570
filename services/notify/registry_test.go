package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpulse/taskpulse/internal/domain"
)

var connTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// drainFrames empties the connection's outbound channel without blocking.
func drainFrames(c *Connection) []Frame {
	var frames []Frame
	for {
		select {
		case f := <-c.Out():
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func eventFrame(id string) Frame {
	return Frame{ID: id, Event: "task.updated", Data: []byte(`{}`)}
}

func TestRegistry_EnforcesPerOwnerCap(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Add(newConnection("alice", "10.0.0.1", connTime)))
	}

	fourth := newConnection("alice", "10.0.0.1", connTime)
	err := r.Add(fourth)
	var capErr *domain.ConnectionCapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "alice", capErr.OwnerID)
	assert.Equal(t, 3, capErr.Limit)

	// Another owner is unaffected.
	require.NoError(t, r.Add(newConnection("bob", "10.0.0.2", connTime)))
}

func TestRegistry_RemoveFreesSlot(t *testing.T) {
	r := NewRegistry()
	conns := make([]*Connection, 3)
	for i := range conns {
		conns[i] = newConnection("alice", "10.0.0.1", connTime)
		require.NoError(t, r.Add(conns[i]))
	}

	r.Remove("alice", conns[0].ID)
	select {
	case <-conns[0].Done():
	default:
		t.Fatal("removed connection was not closed")
	}

	assert.NoError(t, r.Add(newConnection("alice", "10.0.0.1", connTime)))
	assert.Len(t, r.ForOwner("alice"), 3)
}

func TestRegistry_RemoveUnknownIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Remove("alice", "no-such-conn")
	assert.Empty(t, r.All())
}

func TestConnection_DropsOldestWhenFull(t *testing.T) {
	c := newConnection("alice", "10.0.0.1", connTime)
	for i := 0; i < outboundCap+1; i++ {
		c.EnqueueSystem(eventFrame(string(rune('a' + i))))
	}

	frames := drainFrames(c)
	require.Len(t, frames, outboundCap)
	assert.Equal(t, "b", frames[0].ID, "the oldest frame was shed")
	assert.Equal(t, string(rune('a'+outboundCap)), frames[len(frames)-1].ID)
}

func TestConnection_CoalescesBurstIntoSummary(t *testing.T) {
	c := newConnection("alice", "10.0.0.1", connTime)
	for i := 0; i < rateLimit+4; i++ {
		c.Enqueue(connTime, eventFrame(string(rune('a'+i))))
	}

	frames := drainFrames(c)
	require.Len(t, frames, rateLimit, "over-budget frames are suppressed, not queued")

	// The next window converts the backlog into one summary frame.
	c.FlushCoalesced(connTime.Add(rateWindow))
	frames = drainFrames(c)
	require.Len(t, frames, 1)
	assert.Equal(t, "multiple_updates", frames[0].Event)
	assert.JSONEq(t, `{"suppressed":4}`, string(frames[0].Data))
}

func TestConnection_NoSummaryWithinBudget(t *testing.T) {
	c := newConnection("alice", "10.0.0.1", connTime)
	for i := 0; i < rateLimit; i++ {
		c.Enqueue(connTime, eventFrame(string(rune('a'+i))))
	}
	c.FlushCoalesced(connTime.Add(rateWindow))

	frames := drainFrames(c)
	assert.Len(t, frames, rateLimit)
}

func TestConnection_RateLimitResetsEachWindow(t *testing.T) {
	c := newConnection("alice", "10.0.0.1", connTime)
	for i := 0; i < rateLimit; i++ {
		c.Enqueue(connTime, eventFrame("w1"))
	}
	c.Enqueue(connTime.Add(rateWindow), eventFrame("w2"))

	frames := drainFrames(c)
	require.Len(t, frames, rateLimit+1)
	assert.Equal(t, "w2", frames[len(frames)-1].ID)
}

func TestConnection_StaleAfterSilence(t *testing.T) {
	c := newConnection("alice", "10.0.0.1", connTime)
	assert.False(t, c.Stale(connTime.Add(59*time.Second), time.Minute))
	assert.True(t, c.Stale(connTime.Add(61*time.Second), time.Minute))

	c.Touch(connTime.Add(61 * time.Second))
	assert.False(t, c.Stale(connTime.Add(90*time.Second), time.Minute))
}

func TestConnection_CloseIsIdempotentAndStopsDelivery(t *testing.T) {
	c := newConnection("alice", "10.0.0.1", connTime)
	c.Close()
	c.Close()

	c.EnqueueSystem(eventFrame("after-close"))
	assert.Empty(t, drainFrames(c))
}
