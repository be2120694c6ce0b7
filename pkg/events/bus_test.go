package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmitOrderPerListener(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	var got []string
	b.On(KindTileGenerated, func(ev Event) {
		got = append(got, ev.Payload["tile"].(string))
	})

	for _, tile := range []string{"3/0_0", "3/0_1", "3/1_0"} {
		b.Emit(Event{Kind: KindTileGenerated, Payload: map[string]interface{}{"tile": tile}})
	}
	require.Equal(t, []string{"3/0_0", "3/0_1", "3/1_0"}, got)
}

func TestSubscribeKinds(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch := b.SubscribeKinds(KindSlideReady)
	defer b.Evict(ch)

	b.Emit(Event{Kind: KindTileGenerated, SlideID: "x"})
	b.Emit(Event{Kind: KindSlideReady, SlideID: "y"})

	select {
	case v := <-ch:
		ev := v.(Event)
		require.Equal(t, KindSlideReady, ev.Kind)
		require.Equal(t, "y", ev.SlideID)
		require.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

type captureRelay struct{ events []Event }

func (r *captureRelay) Relay(ev Event) { r.events = append(r.events, ev) }

func TestRelaySelectedKindsOnly(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	relay := &captureRelay{}
	b.SetRelay(relay, KindSlideReady, KindPreviewPublished)

	b.Emit(Event{Kind: KindSlideReady, SlideID: "a"})
	b.Emit(Event{Kind: KindTileGenerated, SlideID: "a"})
	b.Emit(Event{Kind: KindPreviewPublished, SlideID: "a"})

	require.Len(t, relay.events, 2)
	require.Equal(t, KindSlideReady, relay.events[0].Kind)
	require.Equal(t, KindPreviewPublished, relay.events[1].Kind)
}

func TestSlowSubscriberDoesNotBlockEmit(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	// Never read from the subscription.
	ch := b.Subscribe()
	defer b.Evict(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Emit(Event{Kind: KindTileGenerated})
		}
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("emitter blocked on a slow subscriber")
	}
}
