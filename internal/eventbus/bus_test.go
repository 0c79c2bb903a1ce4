package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Kind: KindFileChanged, Name: "rules"})

	for _, ch := range []<-chan Event{a, c} {
		ev := <-ch
		assert.Equal(t, KindFileChanged, ev.Kind)
		assert.Equal(t, "rules", ev.Name)
		assert.False(t, ev.Time.IsZero())
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Kind: KindFileChanged, Name: "first"})
	b.Publish(Event{Kind: KindFileChanged, Name: "second"})

	ev := <-ch
	assert.Equal(t, "first", ev.Name)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestSubscribeFiltersByKind(t *testing.T) {
	t.Parallel()
	b := New()
	changes, unsubChanges := b.Subscribe(1, KindFileChanged)
	all, unsubAll := b.Subscribe(8)
	defer unsubChanges()
	defer unsubAll()

	// a burst of other kinds must not crowd out the change
	for i := 0; i < 5; i++ {
		b.Publish(Event{Kind: KindRuleFinished, Name: "backup"})
	}
	b.Publish(Event{Kind: KindFileChanged, Name: "rules"})

	ev := <-changes
	assert.Equal(t, KindFileChanged, ev.Kind)
	assert.Equal(t, "rules", ev.Name)
	assert.Len(t, all, 6)
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	// publishing after unsubscribe must not panic
	b.Publish(Event{Kind: KindRuleFinished})
}
