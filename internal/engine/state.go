package engine

import (
	"math/big"
	"strings"
	"time"

	"github.com/bramford/albatross/internal/policy"
)

// SessionMode tracks a session's lifecycle:
// Fresh -> (Create -> Closed) | (Loop <-> Loop) | (Close -> Closed) |
// (Loop -> Disconnected). Closed and Disconnected are terminal.
type SessionMode int

const (
	ModeFresh SessionMode = iota
	ModeCreate
	ModeLoop
	ModeClose
	ModeClosed
	ModeDisconnected
)

// Stream identifies which of a VM's event feeds a session subscribed
// to. Console and log are independent grants (PermConsole vs PermLog),
// so each is tracked as its own stream; statistics has no stream at
// all, it is one-shot and correlated by request id (StatsPending).
type Stream int

const (
	StreamConsole Stream = iota
	StreamLog
)

// Session is a TLS connection's engine-visible identity: its peer
// address (used for equality), its projected prefix and permissions,
// its mode, and the per-stream VM subscriptions it currently holds.
type Session struct {
	ID            uint64
	Addr          string
	Prefix        []string
	Permissions   policy.PermissionSet
	Mode          SessionMode
	Subscriptions map[string]map[Stream]bool
}

func newSession(id uint64, addr string) *Session {
	return &Session{ID: id, Addr: addr, Mode: ModeFresh, Subscriptions: map[string]map[Stream]bool{}}
}

func (s *Session) clone() *Session {
	c := *s
	c.Subscriptions = make(map[string]map[Stream]bool, len(s.Subscriptions))
	for vm, streams := range s.Subscriptions {
		cs := make(map[Stream]bool, len(streams))
		for st := range streams {
			cs[st] = true
		}
		c.Subscriptions[vm] = cs
	}
	return &c
}

// joinID renders a VM's full id, prefix followed by the leaf name,
// joined with "/" for use as a map key and in human-readable messages.
func joinID(prefix []string, name string) string {
	return strings.Join(append(append([]string{}, prefix...), name), "/")
}

// RunningVM is a VM config plus the spawned process's bookkeeping:
// pid, console fd, start time, and the live set of subscriber session
// ids.
type RunningVM struct {
	ID     string
	Prefix []string
	Name   string
	Config policy.VMConfig

	// Serials maps each ancestor CN in Prefix to the serial number of
	// the certificate that issued it, so a CRL install can tell
	// whether this VM's chain passes through a now-revoked certificate
	// without re-walking the original chain.
	Serials map[string]*big.Int

	Pid       int
	ConsoleFd int
	MAC       string
	Started   time.Time

	// Subscribers is keyed by stream so that console lines reach only
	// console subscribers and log lines only log subscribers; a session
	// holding one grant must never be delivered the other stream.
	Subscribers map[Stream]map[uint64]bool
}

func (v *RunningVM) clone() *RunningVM {
	c := *v
	c.Subscribers = make(map[Stream]map[uint64]bool, len(v.Subscribers))
	for st, set := range v.Subscribers {
		cs := make(map[uint64]bool, len(set))
		for id := range set {
			cs[id] = true
		}
		c.Subscribers[st] = cs
	}
	return &c
}

// subscriberUnion is the set of session ids subscribed to any of vm's
// streams, used when the VM itself goes away and every subscriber gets
// one terminal event regardless of which stream it watched.
func (v *RunningVM) subscriberUnion() map[uint64]bool {
	out := map[uint64]bool{}
	for _, set := range v.Subscribers {
		for id := range set {
			out[id] = true
		}
	}
	return out
}

// CRLEntry is the stored state for one issuer: its latest serial and
// the set of revoked certificate serial numbers (stringified, since
// *big.Int isn't a comparable map key).
type CRLEntry struct {
	Serial  int64
	Revoked map[string]bool
	Issued  time.Time
}

// State is the engine's value-typed world.
// Every handler receives a State and returns a new one; maps are
// treated as copy-on-write — a handler that mutates a map first clones
// it (see cloneVMs/cloneSessions/cloneCRLs) so the caller's old State
// value is never observed half-mutated.
// statsKey correlates a one-shot statistics request with the helper's
// reply: the client-chosen request id plus the VM the request named.
type statsKey struct {
	vm string
	id uint32
}

type State struct {
	WorkingDir string
	Version    uint16

	VMs      map[string]*RunningVM
	Sessions map[uint64]*Session
	CRLs     map[string]CRLEntry

	// StatsPending maps an outstanding one-shot statistics request to
	// the session that issued it, so the helper's reply can be relayed
	// to the requester rather than broadcast.
	StatsPending map[statsKey]uint64

	// StatsAvailable reflects whether the stats helper socket is
	// currently connected. A stats helper disconnect demotes
	// statistics commands to "unavailable" but never takes the
	// engine down, unlike a console/log helper disconnect.
	StatsAvailable bool

	// Observer, if non-nil, answers info's MAC-keyed observed-address
	// lookups (internal/bridge's passive IP/MAC watcher). Left nil in
	// most tests, where no bridge traffic exists to observe.
	Observer AddressObserver

	nextSessionID uint64
}

// AddressObserver is the engine-side view of internal/bridge's
// Watcher: given a tap MAC, report the most recently observed IPv4/
// IPv6 addresses, if any. Kept as a narrow interface here so engine
// never imports a packet-capture library.
type AddressObserver interface {
	Lookup(mac string) (ip4, ip6 string, ok bool)
}

// addressRegistrar is the subset of *bridge.Watcher's API that tells
// it which MACs are worth tracking. Implemented as an optional
// interface assertion on AddressObserver rather than folded into it,
// since a test double only needs to satisfy Lookup.
type addressRegistrar interface {
	Register(mac string)
	Unregister(mac string)
}

// NewState builds an empty engine state rooted at dir, negotiating the
// given wire protocol version (AV0 = 0).
func NewState(dir string, version uint16) State {
	return State{
		WorkingDir:     dir,
		Version:        version,
		VMs:            map[string]*RunningVM{},
		Sessions:       map[uint64]*Session{},
		CRLs:           map[string]CRLEntry{},
		StatsPending:   map[statsKey]uint64{},
		StatsAvailable: true,
	}
}

func (s State) cloneVMs() map[string]*RunningVM {
	out := make(map[string]*RunningVM, len(s.VMs))
	for k, v := range s.VMs {
		out[k] = v
	}
	return out
}

func (s State) cloneSessions() map[uint64]*Session {
	out := make(map[uint64]*Session, len(s.Sessions))
	for k, v := range s.Sessions {
		out[k] = v
	}
	return out
}

func (s State) cloneCRLs() map[string]CRLEntry {
	out := make(map[string]CRLEntry, len(s.CRLs))
	for k, v := range s.CRLs {
		out[k] = v
	}
	return out
}

func (s State) cloneStatsPending() map[statsKey]uint64 {
	out := make(map[statsKey]uint64, len(s.StatsPending))
	for k, v := range s.StatsPending {
		out[k] = v
	}
	return out
}

// NewSession allocates a fresh session id, registers a Fresh-mode
// Session for addr, and returns the updated state and the session.
func (s State) NewSession(addr string) (State, *Session) {
	s.nextSessionID++
	id := s.nextSessionID
	sess := newSession(id, addr)
	sessions := s.cloneSessions()
	sessions[id] = sess
	s.Sessions = sessions
	return s, sess
}

// Target names the destination of an Output: a specific TLS session
// or one of the three helper sockets, which are single-writer from the
// engine's side.
type Target int

const (
	TargetSession Target = iota
	TargetConsole
	TargetLog
	TargetStats
	// TargetKill is not a framed write at all: it asks the daemon loop
	// to send SIGTERM to Pid directly. The exit callback (handleShutdown)
	// still does all state cleanup once the process actually leaves.
	TargetKill
)

// Output is one outbound effect a handler produces. Handlers never
// touch a socket themselves; they return a slice of these and the
// daemon loop performs the writes.
type Output struct {
	Target    Target
	SessionID uint64 // meaningful only when Target == TargetSession
	Frame     []byte // fully encoded wire frame (header + body); unused when Target == TargetKill
	Close     bool   // close the target connection after writing Frame (or instead of, if Frame is nil)
	Pid       int    // meaningful only when Target == TargetKill
}
