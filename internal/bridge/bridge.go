// Package bridge passively learns the IP addresses associated with
// tap MAC addresses on a delegated external bridge, by sniffing ARP
// and ICMPv6 traffic on the bridge's interface. It supplements the
// engine's own delegation-range bookkeeping with the address a VM is
// actually observed using.
package bridge

import (
	"io"
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	log "github.com/bramford/albatross/internal/minilog"
)

// observed is the most recent address pair seen for one tap MAC.
type observed struct {
	ip4 string
	ip6 string
}

// Watcher snoops one bridge interface and answers Lookup queries for
// the taps it has been told to care about. Unregistered MACs are
// ignored at capture time.
type Watcher struct {
	name   string
	handle *pcap.Handle

	mu   sync.Mutex
	taps map[string]*observed
	done chan struct{}
}

// NewWatcher opens a live capture on the named bridge interface (e.g.
// "albatross0") and starts the background snoop loop. The returned
// Watcher must be Closed to release the pcap handle.
func NewWatcher(name string) (*Watcher, error) {
	handle, err := pcap.OpenLive(name, 1600, true, pcap.BlockForever)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		name:   name,
		handle: handle,
		taps:   map[string]*observed{},
		done:   make(chan struct{}),
	}

	go w.snoop()

	return w, nil
}

// Register tells the watcher to start tracking mac. Traffic from MACs
// that are never registered is decoded but discarded.
func (w *Watcher) Register(mac string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.taps[mac]; !ok {
		w.taps[mac] = &observed{}
	}
}

// Unregister stops tracking mac and discards anything learned about it.
func (w *Watcher) Unregister(mac string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.taps, mac)
}

// Lookup returns the most recently observed IPv4/IPv6 addresses for
// mac. Either may be empty if nothing of that family has been seen
// yet; ok is false if mac was never registered.
func (w *Watcher) Lookup(mac string) (ip4, ip6 string, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	o, found := w.taps[mac]
	if !found {
		return "", "", false
	}
	return o.ip4, o.ip6, true
}

// Close stops the snoop loop and releases the capture handle.
func (w *Watcher) Close() {
	w.handle.Close()
	<-w.done
}

func (w *Watcher) snoop() {
	defer close(w.done)

	var (
		dot1q layers.Dot1Q
		eth   layers.Ethernet
		ip4   layers.IPv4
		ip6   layers.IPv6
		arp   layers.ARP
	)

	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&dot1q,
		&eth,
		&ip4,
		&ip6,
		&arp,
	)

	var decoded []gopacket.LayerType

	for {
		data, _, err := w.handle.ReadPacketData()
		if err != nil {
			if err != io.EOF && err != pcap.NextErrorTimeoutExpired {
				log.Error("bridge %s: read packet: %v", w.name, err)
			}
			if err == io.EOF {
				return
			}
			continue
		}

		if err := parser.DecodeLayers(data, &decoded); err != nil {
			if _, ok := err.(gopacket.UnsupportedLayerType); !ok {
				continue
			}
		}

		for _, lt := range decoded {
			switch lt {
			case layers.LayerTypeICMPv6:
				w.update(eth.SrcMAC.String(), ip6.SrcIP)
			case layers.LayerTypeARP:
				w.update(eth.SrcMAC.String(), net.IP(arp.SourceProtAddress))
			}
		}
	}
}

// Set fans Register/Unregister/Lookup out across every bridge this
// host's operator has delegated as external (a delegation's bridge
// map can name more than one), satisfying engine.AddressObserver as a
// single value regardless of how many interfaces are actually being
// watched.
type Set []*Watcher

// NewSet opens a Watcher on each named interface. On any failure it
// closes the watchers already opened before returning the error.
func NewSet(names []string) (Set, error) {
	set := make(Set, 0, len(names))
	for _, name := range names {
		w, err := NewWatcher(name)
		if err != nil {
			for _, opened := range set {
				opened.Close()
			}
			return nil, err
		}
		set = append(set, w)
	}
	return set, nil
}

func (s Set) Register(mac string) {
	for _, w := range s {
		w.Register(mac)
	}
}

func (s Set) Unregister(mac string) {
	for _, w := range s {
		w.Unregister(mac)
	}
}

func (s Set) Lookup(mac string) (ip4, ip6 string, ok bool) {
	for _, w := range s {
		if ip4, ip6, ok = w.Lookup(mac); ok {
			return
		}
	}
	return "", "", false
}

func (s Set) Close() {
	for _, w := range s {
		w.Close()
	}
}

func (w *Watcher) update(mac string, ip net.IP) {
	if ip == nil || ip.IsLinkLocalUnicast() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	o, ok := w.taps[mac]
	if !ok {
		return
	}

	if v4 := ip.To4(); v4 != nil {
		o.ip4 = v4.String()
	} else {
		o.ip6 = ip.String()
	}
}
