package devicemon

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeLister struct {
	mu      sync.Mutex
	devices []Device
}

func (f *fakeLister) ListDevices(ctx context.Context) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Device(nil), f.devices...), nil
}

func (f *fakeLister) set(devices []Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func TestMonitorReportsDisconnectOnDisappearance(t *testing.T) {
	lister := &fakeLister{devices: []Device{{ID: "mic-1", Name: "Built-in Mic"}}}

	disconnected := make(chan Device, 1)
	m := New(Config{
		Lister:       lister,
		PollInterval: 10 * time.Millisecond,
		OnDisconnected: func(d Device) {
			disconnected <- d
		},
	})
	m.Watch(Device{ID: "mic-1", Name: "Built-in Mic"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	lister.set(nil) // device vanishes

	select {
	case d := <-disconnected:
		if d.ID != "mic-1" {
			t.Fatalf("expected disconnect for mic-1, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnDisconnected")
	}
}

func TestMonitorReportsReconnectOnReappearance(t *testing.T) {
	lister := &fakeLister{devices: []Device{{ID: "mic-1"}}}

	reconnected := make(chan Device, 1)
	m := New(Config{
		Lister:       lister,
		PollInterval: 10 * time.Millisecond,
		Backoff:      10 * time.Millisecond,
		MaxBackoff:   10 * time.Millisecond,
		OnReconnected: func(d Device) {
			select {
			case reconnected <- d:
			default:
			}
		},
	})
	m.Watch(Device{ID: "mic-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	lister.set(nil)
	time.Sleep(30 * time.Millisecond)
	lister.set([]Device{{ID: "mic-1"}})

	select {
	case d := <-reconnected:
		if d.ID != "mic-1" {
			t.Fatalf("expected reconnect for mic-1, got %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnReconnected")
	}
}

func TestMonitorGivesUpAfterMaxRetries(t *testing.T) {
	lister := &fakeLister{devices: []Device{{ID: "mic-1"}}}

	gaveUp := make(chan Device, 1)
	m := New(Config{
		Lister:     lister,
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   2,
		Backoff:      5 * time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
		OnGiveUp: func(d Device) {
			gaveUp <- d
		},
	})
	m.Watch(Device{ID: "mic-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	lister.set(nil) // never comes back

	select {
	case d := <-gaveUp:
		if d.ID != "mic-1" {
			t.Fatalf("expected give-up for mic-1, got %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnGiveUp")
	}
}

func TestMonitorUnwatchStopsTracking(t *testing.T) {
	lister := &fakeLister{devices: []Device{{ID: "mic-1"}}}

	disconnected := make(chan Device, 1)
	m := New(Config{
		Lister:       lister,
		PollInterval: 10 * time.Millisecond,
		OnDisconnected: func(d Device) {
			disconnected <- d
		},
	})
	m.Watch(Device{ID: "mic-1"})
	m.Unwatch("mic-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	lister.set(nil)

	select {
	case d := <-disconnected:
		t.Fatalf("expected no disconnect after Unwatch, got %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}
