package eventbus

import (
	"github.com/cskr/pubsub/v2"
	"github.com/rigado/bluealsa"
)

// Kind identifies an event topic.
type Kind uint

const (
	KindTransportAdded Kind = iota + 1
	KindTransportRemoved
	KindCodec
	KindBattery
	KindVolume
	KindSLC
	KindState

	kindMax
)

var kindNames = []string{
	KindTransportAdded:   "transport-added",
	KindTransportRemoved: "transport-removed",
	KindCodec:            "codec",
	KindBattery:          "battery",
	KindVolume:           "volume",
	KindSLC:              "slc",
	KindState:            "state",
}

func (k Kind) String() string {
	if k > 0 && k < kindMax {
		return kindNames[k]
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind is the reverse of String.
func ParseKind(s string) (Kind, bool) {
	for k := KindTransportAdded; k < kindMax; k++ {
		if kindNames[k] == s {
			return k, true
		}
	}
	return 0, false
}

// Event is a change notification of a transport or device.
type Event struct {
	Kind    Kind             `json:"kind"`
	Path    string           `json:"path,omitempty"`
	Device  bluealsa.Addr    `json:"device,omitempty"`
	Profile bluealsa.Profile `json:"profile,omitempty"`

	Codec   uint16 `json:"codec,omitempty"`
	Battery int    `json:"battery,omitempty"`
	Volume  []int  `json:"volume,omitempty"`
	State   string `json:"state,omitempty"`
}

const subscriberCapacity = 16

// Bus fans events out to subscribers. Publishing never blocks: slow
// subscribers miss events. A nil *Bus discards everything.
type Bus struct {
	ps *pubsub.PubSub[uint, Event]
}

func New() *Bus {
	return &Bus{ps: pubsub.New[uint, Event](subscriberCapacity)}
}

// Publish sends e to the subscribers of its kind.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.ps.TryPub(e, uint(e.Kind))
}

// Subscription is a live event stream.
type Subscription struct {
	C <-chan Event

	unsub func()
}

// Subscribe subscribes to the given kinds, or to all of them when none is
// given.
func (b *Bus) Subscribe(kinds ...Kind) Subscription {
	if b == nil {
		ch := make(chan Event)
		close(ch)
		return Subscription{C: ch, unsub: func() {}}
	}

	if len(kinds) == 0 {
		for k := KindTransportAdded; k < kindMax; k++ {
			kinds = append(kinds, k)
		}
	}

	topics := make([]uint, len(kinds))
	for i, k := range kinds {
		topics[i] = uint(k)
	}

	ch := b.ps.Sub(topics...)
	return Subscription{
		C: ch,
		unsub: func() {
			// Unsub has to run while the channel is drained
			go func() {
				for range ch {
				}
			}()
			b.ps.Unsub(ch, topics...)
		},
	}
}

// Unsubscribe stops the stream and closes C.
func (s Subscription) Unsubscribe() {
	if s.unsub != nil {
		s.unsub()
	}
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.ps.Shutdown()
}
