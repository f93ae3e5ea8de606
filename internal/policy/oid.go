// Package policy implements the certificate-extension codec and chain
// projection: decoding the known OIDs on a certificate chain into a
// delegation, a VM config, a permission set, or a CRL announcement.
package policy

import "encoding/asn1"

// base is the arc every extension OID in this system hangs off of.
var base = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 49836, 42}

func oid(suffix int) asn1.ObjectIdentifier {
	id := make(asn1.ObjectIdentifier, len(base)+1)
	copy(id, base)
	id[len(base)] = suffix
	return id
}

var (
	OIDVersion     = oid(0)  // version_of_cert
	OIDVMs         = oid(1)  // delegation: max child vms
	OIDBridges     = oid(2)  // delegation: name -> internal|external bridge map
	OIDBlock       = oid(3)  // delegation: block storage budget (MB)
	OIDCpuids      = oid(4)  // delegation: allowed cpuid set
	OIDMemory      = oid(5)  // delegation: memory budget (MB)
	OIDCpuid       = oid(6)  // vm: assigned cpuid
	OIDNetwork     = oid(7)  // vm: bridge names used
	OIDBlockDevice = oid(8)  // vm: requested block device name
	OIDVMImage     = oid(9)  // vm: image variant + payload
	OIDArgv        = oid(10) // vm: argv
	OIDPermissions = oid(42) // permission bit set
	OIDCrl         = oid(43) // crl announcement
)

// ProtocolVersion is the only version this engine accepts (AV0).
const ProtocolVersion = 0
