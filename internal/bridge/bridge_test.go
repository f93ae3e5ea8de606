package bridge

import (
	"net"
	"testing"
)

// newTestWatcher builds a Watcher with no live pcap handle, exercising
// only the registration/update/lookup bookkeeping that doesn't need a
// real interface to capture from.
func newTestWatcher() *Watcher {
	return &Watcher{
		name: "test0",
		taps: map[string]*observed{},
		done: make(chan struct{}),
	}
}

func TestLookupUnknownMAC(t *testing.T) {
	w := newTestWatcher()

	if _, _, ok := w.Lookup("de:ad:be:ef:00:01"); ok {
		t.Fatal("expected ok=false for a MAC that was never registered")
	}
}

func TestRegisterThenUpdateThenLookup(t *testing.T) {
	w := newTestWatcher()
	mac := "de:ad:be:ef:00:01"

	w.Register(mac)
	w.update(mac, net.ParseIP("10.0.0.5"))

	ip4, ip6, ok := w.Lookup(mac)
	if !ok {
		t.Fatal("expected ok=true after Register")
	}
	if ip4 != "10.0.0.5" {
		t.Fatalf("ip4 = %q, want 10.0.0.5", ip4)
	}
	if ip6 != "" {
		t.Fatalf("ip6 = %q, want empty", ip6)
	}
}

func TestUpdateIgnoresUnregisteredMAC(t *testing.T) {
	w := newTestWatcher()

	w.update("ff:ff:ff:ff:ff:ff", net.ParseIP("10.0.0.9"))

	if _, _, ok := w.Lookup("ff:ff:ff:ff:ff:ff"); ok {
		t.Fatal("update should not implicitly register an unknown MAC")
	}
}

func TestUpdateIgnoresLinkLocal(t *testing.T) {
	w := newTestWatcher()
	mac := "de:ad:be:ef:00:02"
	w.Register(mac)

	w.update(mac, net.ParseIP("fe80::1"))

	ip4, ip6, ok := w.Lookup(mac)
	if !ok {
		t.Fatal("expected ok=true, mac was registered")
	}
	if ip4 != "" || ip6 != "" {
		t.Fatalf("link-local address should not be recorded, got ip4=%q ip6=%q", ip4, ip6)
	}
}

func TestUpdateRecordsIPv6(t *testing.T) {
	w := newTestWatcher()
	mac := "de:ad:be:ef:00:03"
	w.Register(mac)

	w.update(mac, net.ParseIP("2001:db8::1"))

	ip4, ip6, ok := w.Lookup(mac)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if ip4 != "" {
		t.Fatalf("ip4 = %q, want empty", ip4)
	}
	if ip6 != "2001:db8::1" {
		t.Fatalf("ip6 = %q, want 2001:db8::1", ip6)
	}
}

func TestUnregisterDropsLearnedAddress(t *testing.T) {
	w := newTestWatcher()
	mac := "de:ad:be:ef:00:04"
	w.Register(mac)
	w.update(mac, net.ParseIP("10.0.0.7"))

	w.Unregister(mac)

	if _, _, ok := w.Lookup(mac); ok {
		t.Fatal("expected ok=false after Unregister")
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	w := newTestWatcher()
	mac := "de:ad:be:ef:00:05"

	w.Register(mac)
	w.update(mac, net.ParseIP("10.0.0.8"))
	w.Register(mac) // must not clobber what was already learned

	ip4, _, ok := w.Lookup(mac)
	if !ok || ip4 != "10.0.0.8" {
		t.Fatalf("re-Register clobbered learned address: ip4=%q ok=%v", ip4, ok)
	}
}
