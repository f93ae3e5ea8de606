package policy

import (
	"math/big"
	"time"
)

// Permission is one bit of a leaf certificate's effective permission
// set. All implies every other permission.
type Permission int

const (
	PermAll Permission = iota
	PermInfo
	PermCreate
	PermForceCreate
	PermBlock
	PermStatistics
	PermConsole
	PermLog
	PermCrl
)

var permissionOrder = []Permission{
	PermAll, PermInfo, PermCreate, PermForceCreate, PermBlock,
	PermStatistics, PermConsole, PermLog, PermCrl,
}

// PermissionSet is the leaf's decoded permission bits. Has reports
// whether p is granted, honoring that All implies everything else.
type PermissionSet map[Permission]bool

func (s PermissionSet) Has(p Permission) bool {
	return s[PermAll] || s[p]
}

// BridgeKind distinguishes the two CHOICE shapes a delegated bridge
// can take.
type BridgeKind int

const (
	BridgeInternal BridgeKind = iota
	BridgeExternal
)

// Bridge is one entry of a delegation's bridge map.
type Bridge struct {
	Name string
	Kind BridgeKind

	// Populated only when Kind == BridgeExternal.
	StartIP  string
	EndIP    string
	RouterIP string
	Netmask  int
}

// Delegation is the resource grant carried by a non-leaf (intermediate)
// certificate.
type Delegation struct {
	VMs      int
	Cpuids   map[int]bool
	Memory   int
	Block    int // 0 if the extension was absent (no block budget)
	HasBlock bool
	Bridges  map[string]Bridge
}

// ImageKind mirrors wire.ImageKind; kept separate so policy has no
// dependency on the wire package (the certificate codec and the wire
// codec are independent concerns that happen to share a vocabulary).
type ImageKind int

const (
	ImageAmd64 ImageKind = iota
	ImageArm64
	ImageAmd64Compressed
)

// VMConfig is the run configuration carried by a leaf VM certificate.
type VMConfig struct {
	Cpuid           int
	RequestedMemory int
	BlockDevice     string // "" if absent
	Networks        []string
	Image           ImageKind
	ImagePayload    []byte
	Argv            []string // nil if absent
}

// CRL is a revocation announcement: Issuer is the CN of the
// intermediate whose descendants are affected; Serial is the CRL's
// own monotonic serial (staleness is rejected when Serial is not
// strictly greater than the stored one); Revoked is the set of
// certificate serial numbers, within that issuer's subtree, that are
// now revoked.
type CRL struct {
	Issuer  string
	Serial  int64
	Revoked []*big.Int
	Issued  time.Time
}
