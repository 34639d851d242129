package hub

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveChange(t *testing.T, sub *Subscriber) Change {
	t.Helper()
	select {
	case change, ok := <-sub.Changes():
		require.True(t, ok, "subscription closed unexpectedly")
		return change
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}

func assertNoChange(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case change, ok := <-sub.Changes():
		if ok {
			t.Fatalf("unexpected change delivered: %+v", change)
		}
	default:
	}
}

func TestPublishExcludesOriginator(t *testing.T) {
	h := New()
	p1 := h.Join("doc-1", "p1")
	p2 := h.Join("doc-1", "p2")
	p3 := h.Join("doc-1", "p3")

	h.PublishChange("doc-1", "p2", []byte("updated"))

	for _, sub := range []*Subscriber{p1, p3} {
		change := receiveChange(t, sub)
		assert.Equal(t, "doc-1", change.DocumentID)
		assert.Equal(t, "p2", change.Origin)
		assert.Equal(t, []byte("updated"), change.Content)
		// Exactly once each.
		assertNoChange(t, sub)
	}
	assertNoChange(t, p2)
}

func TestJoinIsIdempotent(t *testing.T) {
	h := New()
	first := h.Join("doc-1", "p1")
	second := h.Join("doc-1", "p1")

	assert.Same(t, first, second)
	assert.Equal(t, 1, h.Participants("doc-1"))
}

func TestLeaveUnknownParticipantIsNoOp(t *testing.T) {
	h := New()
	h.Leave("doc-1", "ghost")

	h.Join("doc-1", "p1")
	h.Leave("doc-1", "ghost")
	assert.Equal(t, 1, h.Participants("doc-1"))
}

func TestRoomDroppedWhenLastParticipantLeaves(t *testing.T) {
	h := New()
	sub := h.Join("doc-1", "p1")
	h.Join("doc-1", "p2")

	h.Leave("doc-1", "p1")
	assert.Equal(t, 1, h.Participants("doc-1"))

	// Leaving closes the subscription stream.
	_, ok := <-sub.Changes()
	assert.False(t, ok)

	h.Leave("doc-1", "p2")
	assert.Equal(t, 0, h.Participants("doc-1"))

	// Rooms are recreated on demand.
	h.Join("doc-1", "p3")
	assert.Equal(t, 1, h.Participants("doc-1"))
}

func TestPublishToEmptyRoomIsSilentNoOp(t *testing.T) {
	h := New()
	h.PublishChange("doc-absent", "p1", []byte("x"))

	// Sole participant publishing: nothing to deliver, nothing received.
	sub := h.Join("doc-1", "p1")
	h.PublishChange("doc-1", "p1", []byte("x"))
	assertNoChange(t, sub)
}

func TestDeliveryIsFIFOPerSubscriber(t *testing.T) {
	h := New()
	h.Join("doc-1", "writer")
	reader := h.Join("doc-1", "reader")

	for n := 0; n < 10; n++ {
		h.PublishChange("doc-1", "writer", []byte(fmt.Sprintf("rev-%d", n)))
	}
	for n := 0; n < 10; n++ {
		change := receiveChange(t, reader)
		assert.Equal(t, []byte(fmt.Sprintf("rev-%d", n)), change.Content)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := New()
	h.Join("doc-1", "writer")
	h.Join("doc-1", "slow")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < sendBuffer*2; n++ {
			h.PublishChange("doc-1", "writer", []byte("x"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}
