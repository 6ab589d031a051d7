package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingTopicOnly(t *testing.T) {
	b := New(nil, 8)
	sub := b.Subscribe(TopicFile)
	defer sub.Close()

	b.Publish(TopicFolder, CategoryFolder, KindCreated, "", "g1", nil)
	b.Publish(TopicFile, CategoryFile, KindCreated, "t1", "", nil)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, TopicFile, ev.Topic)
		assert.Equal(t, "t1", ev.TaskID)
	case <-time.After(time.Second):
		t.Fatal("expected one event on the file topic")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEventIDsAreMonotonic(t *testing.T) {
	b := New(nil, 8)
	sub := b.Subscribe(TopicFile)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(TopicFile, CategoryFile, KindProgress, "t1", "", nil)
	}

	var last uint64
	for i := 0; i < 5; i++ {
		ev := <-sub.Events()
		assert.Greater(t, ev.EventID, last)
		last = ev.EventID
	}
}

func TestPublishNeverBlocksOnFullSlowSubscriber(t *testing.T) {
	b := New(nil, 2)
	sub := b.Subscribe(TopicFile)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(TopicFile, CategoryFile, KindProgress, "t1", "", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a subscriber that never drains its queue")
	}
	assert.Greater(t, sub.Dropped(), uint64(0))
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New(nil, 8)
	sub := b.Subscribe(TopicFile)
	sub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel should be closed")

	assert.Equal(t, 0, b.SubscriberCount())
}

func TestGroupTopicIsPerGroup(t *testing.T) {
	b := New(nil, 8)
	sub := b.Subscribe(GroupTopic("g1"))
	defer sub.Close()

	b.Publish(GroupTopic("g2"), CategoryFolder, KindProgress, "", "g2", nil)
	b.Publish(GroupTopic("g1"), CategoryFolder, KindProgress, "", "g1", nil)

	require.Eventually(t, func() bool {
		select {
		case ev := <-sub.Events():
			return ev.GroupID == "g1"
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
