package main

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/bluealsa"
	"github.com/rigado/bluealsa/eventbus"
)

type memStore struct {
	mu sync.Mutex
	m  map[string]bluealsa.TransportStatus
}

func newMemStore() *memStore {
	return &memStore{m: map[string]bluealsa.TransportStatus{}}
}

func (s *memStore) Store(st bluealsa.TransportStatus, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[st.Path]; ok && !replace {
		return errors.New("exists")
	}
	s.m[st.Path] = st
	return nil
}

func (s *memStore) Load(path string) (bluealsa.TransportStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[path]
	if !ok {
		return st, errors.New("not found")
	}
	return st, nil
}

func (s *memStore) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, path)
	return nil
}

func (s *memStore) List() ([]bluealsa.TransportStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bluealsa.TransportStatus
	for _, st := range s.m {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = map[string]bluealsa.TransportStatus{}
	return nil
}

func TestUpdateStatus(t *testing.T) {
	_, r, _ := newTestServer(t)
	st := newMemStore()

	hsp := newTransport(t, r, bluealsa.ProfileHSPAG, nil)
	hfp := newTransport(t, r, bluealsa.ProfileHFPAG, nil)

	if err := updateStatus(eventbus.Event{Kind: eventbus.KindTransportAdded, Path: hsp.Path()}, r, st); err != nil {
		t.Fatalf("added: %v", err)
	}
	if l, _ := st.List(); len(l) != 1 || l[0].Path != hsp.Path() {
		t.Fatalf("after added: %+v", l)
	}

	// device events refresh all transports of the device
	r.Device(testAddr).SetBattery(40)
	if err := updateStatus(eventbus.Event{Kind: eventbus.KindBattery, Device: testAddr}, r, st); err != nil {
		t.Fatalf("battery: %v", err)
	}
	l, _ := st.List()
	if len(l) != 2 {
		t.Fatalf("after battery: %+v", l)
	}
	for _, s := range l {
		if s.Battery != 40 {
			t.Fatalf("battery of %s: %d", s.Path, s.Battery)
		}
	}

	// unknown transports are ignored
	if err := updateStatus(eventbus.Event{Kind: eventbus.KindCodec, Path: "/nope"}, r, st); err != nil {
		t.Fatalf("unknown: %v", err)
	}

	if err := updateStatus(eventbus.Event{Kind: eventbus.KindTransportRemoved, Path: hfp.Path()}, r, st); err != nil {
		t.Fatalf("removed: %v", err)
	}
	if _, err := st.Load(hfp.Path()); err == nil {
		t.Fatalf("removed transport still stored")
	}
}

func TestTrackStatus(t *testing.T) {
	_, r, b := newTestServer(t)
	st := newMemStore()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		trackStatus(ctx, b, r, st, bluealsa.GetLogger())
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// the tracker subscribes asynchronously
	var path string
	deadline := time.Now().Add(testWait)
	for {
		if path == "" {
			path = newTransport(t, r, bluealsa.ProfileHSPAG, nil).Path()
		}
		if _, err := st.Load(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status of %s not stored", path)
		}
		// republish until the subscription is live
		b.Publish(eventbus.Event{Kind: eventbus.KindCodec, Path: path})
		time.Sleep(10 * time.Millisecond)
	}

	tr, ok := r.Transport(path)
	if !ok {
		t.Fatalf("transport %s gone", path)
	}
	tr.Destroy()
	tr.Unref()

	deadline = time.Now().Add(testWait)
	for {
		if _, err := st.Load(path); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status of %s not removed", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
