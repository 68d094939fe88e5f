package eventbus

import (
	"testing"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	bus := New()

	var got []string
	bus.Subscribe(func(Event) { got = append(got, "first") })
	bus.Subscribe(func(Event) { got = append(got, "second") })
	bus.Subscribe(func(Event) { got = append(got, "third") })

	bus.Publish(LoadingChanged{Loading: true})

	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("delivered to %d subscribers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", got, want)
		}
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := New()

	calls := 0
	cancel := bus.Subscribe(func(Event) { calls++ })
	bus.Publish(LoadingChanged{})

	cancel()
	cancel()
	bus.Publish(LoadingChanged{})

	if calls != 1 {
		t.Fatalf("subscriber called %d times, want 1", calls)
	}
	if bus.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", bus.SubscriberCount())
	}
}

func TestSubscriberAttachedLateMissesEarlierEvents(t *testing.T) {
	bus := New()
	bus.Publish(PairingStatus{State: PairingStatePaired})

	calls := 0
	bus.Subscribe(func(Event) { calls++ })
	if calls != 0 {
		t.Fatalf("late subscriber saw %d replayed events, want 0", calls)
	}
}

func TestEventNames(t *testing.T) {
	cases := []struct {
		evt  Event
		want string
	}{
		{InitializationResult{}, "initialization_result"},
		{PairingStatus{}, "pairing_status"},
		{SessionProposalReceived{}, "session_proposal"},
		{SessionEstablished{}, "session_established"},
		{SessionRemoved{}, "session_removed"},
		{SessionRequestReceived{}, "session_request"},
		{RequestResolved{}, "request_resolved"},
		{BridgeError{}, "bridge_error"},
		{LoadingChanged{}, "is_loading"},
		{PairingChanged{}, "is_pairing"},
	}
	for _, tc := range cases {
		if got := Name(tc.evt); got != tc.want {
			t.Errorf("Name(%T) = %q, want %q", tc.evt, got, tc.want)
		}
	}
	if Name(nil) != "" {
		t.Errorf("Name(nil) = %q, want empty", Name(nil))
	}
}
