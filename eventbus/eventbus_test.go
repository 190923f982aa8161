package eventbus

import (
	"testing"
	"time"
)

func receive(t *testing.T, s Subscription) Event {
	select {
	case e, ok := <-s.C:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatalf("no event received")
	}
	return Event{}
}

func TestBusKindFilter(t *testing.T) {
	b := New()
	defer b.Close()

	battery := b.Subscribe(KindBattery)
	all := b.Subscribe()

	b.Publish(Event{Kind: KindCodec, Codec: 2})
	b.Publish(Event{Kind: KindBattery, Battery: 60})

	if e := receive(t, battery); e.Kind != KindBattery || e.Battery != 60 {
		t.Fatalf("unexpected event %+v", e)
	}
	if e := receive(t, all); e.Kind != KindCodec {
		t.Fatalf("unexpected event %+v", e)
	}
	if e := receive(t, all); e.Kind != KindBattery {
		t.Fatalf("unexpected event %+v", e)
	}

	select {
	case e := <-battery.C:
		t.Fatalf("unexpected extra event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	s := b.Subscribe(KindSLC)
	s.Unsubscribe()

	select {
	case _, ok := <-s.C:
		for ok {
			_, ok = <-s.C
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed")
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindCodec})
	s := b.Subscribe()
	if _, ok := <-s.C; ok {
		t.Fatalf("expected closed channel")
	}
	s.Unsubscribe()
	b.Close()
}

func TestParseKind(t *testing.T) {
	for k := KindTransportAdded; k < kindMax; k++ {
		got, ok := ParseKind(k.String())
		if !ok || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k.String(), got, ok)
		}
	}
	if _, ok := ParseKind("unknown"); ok {
		t.Fatalf("unknown kind parsed")
	}
}
