package wire

import "time"

// Bridge is the wire form of a delegated or requested network bridge.
// Internal bridges are named only; external ones carry a DHCP-style
// range. Exactly one of the two shapes is meaningful, selected by
// External.
type Bridge struct {
	Name     string
	External bool
	StartIP  string
	EndIP    string
	RouterIP string
	Netmask  int
}

// ImageKind selects which of the three accepted vmimage encodings a
// Create/ForceCreate body carries.
type ImageKind uint8

const (
	ImageAmd64 ImageKind = iota
	ImageArm64
	ImageAmd64Compressed
)

// VMSpec is the wire form of a VM config, carried in a Create or
// ForceCreate request body alongside the authenticating certificate
// chain (which arrives out-of-band, via the TLS handshake itself).
type VMSpec struct {
	CPUID           int
	RequestedMemory int
	BlockDevice     string // "" if none
	Networks        []string
	Image           ImageKind
	ImagePayload    []byte
	Argv            []string
}

// CreateBody is the body of a TagCreate or TagForceCreate request.
type CreateBody struct {
	ID   uint32
	Name string // leaf id component; full id is the session's prefix ++ Name
	Spec VMSpec
}

// InfoBody is the body of a TagInfo request.
type InfoBody struct {
	ID   uint32
	Glob string
}

// DestroyBody is the body of a TagDestroy request.
type DestroyBody struct {
	ID uint32
	Vm string // full id, slash-joined
}

// SubscribeBody is the body of a TagConsole or TagLog request.
type SubscribeBody struct {
	ID uint32
	Vm string
}

// StatisticsBody is the body of a TagStatistics request.
type StatisticsBody struct {
	ID uint32
	Vm string
}

// CrlBody is the body of a TagCrl download request, or of the leaf
// certificate's announced CRL during handshake classification
// (installed out-of-band by the engine, not over this wire path).
type CrlBody struct {
	ID     uint32
	Issuer string
}

// VMInfo describes one live VM, as returned by TagInfo's success reply.
type VMInfo struct {
	Id              string
	CPUID           int
	RequestedMemory int
	BlockDevice     string
	Networks        []string
	Pid             int
	Started         time.Time

	// MAC is the tap MAC address assigned at spawn time. ObservedIP4/
	// ObservedIP6 are the addresses actually seen in traffic on that
	// MAC by internal/bridge's passive watcher, as opposed to merely
	// configured; either is empty if nothing has been observed yet or
	// no watcher covers this VM's bridge.
	MAC         string
	ObservedIP4 string
	ObservedIP6 string
}

// SuccessBody is the body of every TagSuccess reply. Which of Infos,
// CRL, or Stats is populated depends on For, the tag of the request
// being answered; a bare ack (console/log subscribe, destroy) leaves
// all three empty.
type SuccessBody struct {
	ID    uint32
	For   Tag
	Infos []VMInfo
	CRL   []byte
	Stats *StatsSample
}

// StatsSample is one statistics reading for a VM. ID echoes the
// request id of the one-shot statistics command the sample answers, so
// the engine can relay it back to the requesting session; the helper's
// periodic tick samples carry ID 0.
type StatsSample struct {
	ID        uint32
	Vm        string
	Pid       int
	CPUTimeMs int64
	RSSBytes  int64
	Sampled   time.Time
}

// ConsoleLineEvent and LogLineEvent are pushed by the console and log
// helpers respectively and fanned out to every subscriber of Vm.
type ConsoleLineEvent struct {
	Vm   string
	When time.Time
	Data string
}

type LogLineEvent struct {
	Vm   string
	When time.Time
	Data string
}

// Helper control messages, sent by the engine to the console helper
// (attach/detach a console source) and to the stats helper (track or
// stop tracking a pid, or take a one-shot reading).
type AttachBody struct {
	Vm string
}

type DetachBody struct {
	Vm string
}

type AddPidBody struct {
	Vm  string
	Pid int
}

type RemovePidBody struct {
	Vm string
}

type StatsRequestBody struct {
	ID uint32
	Vm string
}
