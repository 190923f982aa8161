package main

import (
	"context"
	"fmt"

	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/eventbus"
	"github.com/rigado/bluealsa/linux/transport"
)

// trackStatus keeps st in sync with the transports of r.
func trackStatus(ctx context.Context, b *eventbus.Bus, r *transport.Registry, st bluealsa.StatusStore, log bluealsa.Logger) {
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := updateStatus(e, r, st); err != nil {
				log.Warnf("status of %s: %v", describe(e), err)
			}
		}
	}
}

func updateStatus(e eventbus.Event, r *transport.Registry, st bluealsa.StatusStore) error {
	if e.Kind == eventbus.KindTransportRemoved {
		return st.Remove(e.Path)
	}

	var ts []*transport.Transport
	if e.Path != "" {
		t, ok := r.Transport(e.Path)
		if !ok {
			return nil
		}
		defer t.Unref()
		ts = append(ts, t)
	} else if d, ok := r.Lookup(e.Device); ok {
		// device events touch every transport of the device
		ts = d.Transports()
	}

	for _, t := range ts {
		if err := st.Store(t.Status(), true); err != nil {
			return err
		}
	}
	return nil
}

func describe(e eventbus.Event) string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Device)
}
