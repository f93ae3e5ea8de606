package policy

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
)

// ErrVersionMismatch is fatal for a whole chain: every issued
// certificate must carry the version extension, equal to the engine's
// supported protocol version.
var ErrVersionMismatch = fmt.Errorf("policy: certificate version does not match supported protocol version")

// ErrMissingVersion means a certificate in the chain never carried
// the required version extension at all.
var ErrMissingVersion = fmt.Errorf("policy: certificate missing required version extension")

// ErrBothVMAndCRL is returned when a single leaf carries both a
// vmimage and a crl extension; a certificate must be one or the other.
var ErrBothVMAndCRL = fmt.Errorf("policy: certificate is both a vm cert and a crl announcement")

func findExtension(cert *x509.Certificate, id asn1.ObjectIdentifier) ([]byte, bool) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(id) {
			return ext.Value, true
		}
	}
	return nil, false
}

// ContainsVM reports whether cert carries a vmimage extension.
func ContainsVM(cert *x509.Certificate) bool {
	_, ok := findExtension(cert, OIDVMImage)
	return ok
}

// ContainsCRL reports whether cert carries a crl extension.
func ContainsCRL(cert *x509.Certificate) bool {
	_, ok := findExtension(cert, OIDCrl)
	return ok
}

// VersionOfCert decodes the mandatory version extension.
func VersionOfCert(cert *x509.Certificate) (int, error) {
	data, ok := findExtension(cert, OIDVersion)
	if !ok {
		return 0, ErrMissingVersion
	}
	return DecodeInt(data)
}

// PermissionsOfCert decodes the leaf's permission bit set. Certs with
// no permissions extension project to an empty (no-permission) set.
func PermissionsOfCert(cert *x509.Certificate) (PermissionSet, error) {
	data, ok := findExtension(cert, OIDPermissions)
	if !ok {
		return PermissionSet{}, nil
	}
	return DecodePermissions(data)
}

// DelegationOfCert decodes an intermediate certificate's resource
// grant.
func DelegationOfCert(cert *x509.Certificate) (Delegation, error) {
	d := Delegation{Cpuids: map[int]bool{}, Bridges: map[string]Bridge{}}

	if data, ok := findExtension(cert, OIDVMs); ok {
		v, err := DecodeInt(data)
		if err != nil {
			return Delegation{}, err
		}
		d.VMs = v
	}
	if data, ok := findExtension(cert, OIDMemory); ok {
		v, err := DecodeInt(data)
		if err != nil {
			return Delegation{}, err
		}
		d.Memory = v
	}
	if data, ok := findExtension(cert, OIDBlock); ok {
		v, err := DecodeInt(data)
		if err != nil {
			return Delegation{}, err
		}
		d.Block = v
		d.HasBlock = true
	}
	if data, ok := findExtension(cert, OIDCpuids); ok {
		cpuids, err := DecodeCpuidSet(data)
		if err != nil {
			return Delegation{}, err
		}
		d.Cpuids = cpuids
	}
	if data, ok := findExtension(cert, OIDBridges); ok {
		bridges, err := DecodeBridges(data)
		if err != nil {
			return Delegation{}, err
		}
		d.Bridges = bridges
	}
	return d, nil
}

// VMOfCert decodes a leaf VM certificate's run configuration.
func VMOfCert(cert *x509.Certificate) (VMConfig, error) {
	var vm VMConfig

	data, ok := findExtension(cert, OIDCpuid)
	if !ok {
		return VMConfig{}, fmt.Errorf("policy: vm cert missing cpuid extension")
	}
	cpuid, err := DecodeInt(data)
	if err != nil {
		return VMConfig{}, err
	}
	vm.Cpuid = cpuid

	data, ok = findExtension(cert, OIDMemory)
	if !ok {
		return VMConfig{}, fmt.Errorf("policy: vm cert missing memory extension")
	}
	mem, err := DecodeInt(data)
	if err != nil {
		return VMConfig{}, err
	}
	vm.RequestedMemory = mem

	if data, ok := findExtension(cert, OIDBlockDevice); ok {
		bd, err := DecodeString(data)
		if err != nil {
			return VMConfig{}, err
		}
		vm.BlockDevice = bd
	}

	if data, ok := findExtension(cert, OIDNetwork); ok {
		nets, err := DecodeStrings(data)
		if err != nil {
			return VMConfig{}, err
		}
		vm.Networks = nets
	}

	data, ok = findExtension(cert, OIDVMImage)
	if !ok {
		return VMConfig{}, fmt.Errorf("policy: vm cert missing vmimage extension")
	}
	kind, payload, err := DecodeImage(data)
	if err != nil {
		return VMConfig{}, err
	}
	vm.Image = kind
	vm.ImagePayload = payload

	if data, ok := findExtension(cert, OIDArgv); ok {
		argv, err := DecodeStrings(data)
		if err != nil {
			return VMConfig{}, err
		}
		vm.Argv = argv
	}

	return vm, nil
}

// CrlOfCert decodes a leaf CRL announcement.
func CrlOfCert(cert *x509.Certificate) (CRL, error) {
	data, ok := findExtension(cert, OIDCrl)
	if !ok {
		return CRL{}, fmt.Errorf("policy: certificate has no crl extension")
	}
	return DecodeCRL(data)
}

// ChainProjection is the result of projecting a verified certificate
// chain: the tenant path, the per-ancestor resource grants along that
// path, the leaf's permission set, and at most one of a VM config or
// a CRL announcement.
type ChainProjection struct {
	Prefix      []string     // root-exclusive path of ancestor CNs, root-to-leaf order
	Delegations []Delegation // Delegations[i] is the grant carried by the certificate named Prefix[i]
	Serials     []*big.Int   // Serials[i] is the serial number of the certificate named Prefix[i]
	Name        string       // leaf CN
	Permissions PermissionSet
	VM          *VMConfig
	CRLAnnounce *CRL
}

// ProjectChain projects a verified chain, leaf first (chain[0]),
// ancestors afterward, optionally including the self-signed trust
// root as the final element (it is dropped if present; the prefix
// excludes the root).
func ProjectChain(chain []*x509.Certificate) (*ChainProjection, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("policy: empty certificate chain")
	}

	leaf := chain[0]
	ancestors := chain[1:]
	if n := len(ancestors); n > 0 && isSelfSigned(ancestors[n-1]) {
		ancestors = ancestors[:n-1]
	}

	// version check applies to the leaf and every ancestor.
	for _, cert := range append([]*x509.Certificate{leaf}, ancestors...) {
		v, err := VersionOfCert(cert)
		if err != nil {
			return nil, err
		}
		if v != ProtocolVersion {
			return nil, ErrVersionMismatch
		}
	}

	if ContainsVM(leaf) && ContainsCRL(leaf) {
		return nil, ErrBothVMAndCRL
	}

	perms, err := PermissionsOfCert(leaf)
	if err != nil {
		return nil, err
	}

	proj := &ChainProjection{
		Name:        commonName(leaf),
		Permissions: perms,
	}

	// ancestors is ordered immediate-issuer-first; reverse it to get
	// the root-to-leaf path that forms the prefix.
	for i := len(ancestors) - 1; i >= 0; i-- {
		cert := ancestors[i]
		d, err := DelegationOfCert(cert)
		if err != nil {
			return nil, err
		}
		proj.Prefix = append(proj.Prefix, commonName(cert))
		proj.Delegations = append(proj.Delegations, d)
		proj.Serials = append(proj.Serials, cert.SerialNumber)
	}

	switch {
	case ContainsVM(leaf):
		vm, err := VMOfCert(leaf)
		if err != nil {
			return nil, err
		}
		proj.VM = &vm
	case ContainsCRL(leaf):
		crl, err := CrlOfCert(leaf)
		if err != nil {
			return nil, err
		}
		proj.CRLAnnounce = &crl
	}

	return proj, nil
}

func commonName(cert *x509.Certificate) string {
	return cert.Subject.CommonName
}

func isSelfSigned(cert *x509.Certificate) bool {
	return cert.CheckSignatureFrom(cert) == nil && equalName(cert.Subject, cert.Issuer)
}

func equalName(a, b pkix.Name) bool {
	return a.String() == b.String()
}
