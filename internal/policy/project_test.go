package policy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

// makeCert builds a self-signed (or parent-signed) certificate with cn
// as its common name and the given extra extensions. Passing a nil
// parent/parentKey produces a self-signed certificate.
func makeCert(t *testing.T, cn string, serial int64, extra []pkix.Extension, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
		ExtraExtensions:       extra,
	}

	signer := key
	parentTmpl := tmpl
	if parent != nil {
		parentTmpl = parent
		signer = parentKey
	} else {
		tmpl.Subject = pkix.Name{CommonName: cn}
		tmpl.Issuer = tmpl.Subject
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentTmpl, &key.PublicKey, signer)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, key
}

func versionExt(t *testing.T) pkix.Extension {
	t.Helper()
	v, err := EncodeInt(ProtocolVersion)
	if err != nil {
		t.Fatal(err)
	}
	return pkix.Extension{Id: OIDVersion, Value: v}
}

func permissionsExt(t *testing.T, set PermissionSet) pkix.Extension {
	t.Helper()
	v, err := EncodePermissions(set)
	if err != nil {
		t.Fatal(err)
	}
	return pkix.Extension{Id: OIDPermissions, Value: v}
}

func TestProjectChainPlainDelegation(t *testing.T) {
	memExt, err := EncodeInt(4096)
	if err != nil {
		t.Fatal(err)
	}
	root, rootKey := makeCert(t, "root", 1, []pkix.Extension{versionExt(t)}, nil, nil)

	tenantExts := []pkix.Extension{
		versionExt(t),
		{Id: OIDMemory, Value: memExt},
	}
	tenant, tenantKey := makeCert(t, "tenant", 2, tenantExts, root, rootKey)

	leafExts := []pkix.Extension{
		versionExt(t),
		permissionsExt(t, PermissionSet{PermInfo: true}),
	}
	leaf, _ := makeCert(t, "leaf", 3, leafExts, tenant, tenantKey)

	proj, err := ProjectChain([]*x509.Certificate{leaf, tenant, root})
	if err != nil {
		t.Fatal(err)
	}
	if proj.Name != "leaf" {
		t.Fatalf("got name %q, want leaf", proj.Name)
	}
	if len(proj.Prefix) != 1 || proj.Prefix[0] != "tenant" {
		t.Fatalf("got prefix %v, want [tenant]", proj.Prefix)
	}
	if proj.Delegations[0].Memory != 4096 {
		t.Fatalf("got memory %d, want 4096", proj.Delegations[0].Memory)
	}
	if !proj.Permissions.Has(PermInfo) {
		t.Fatalf("expected PermInfo granted, got %v", proj.Permissions)
	}
	if proj.VM != nil || proj.CRLAnnounce != nil {
		t.Fatalf("plain delegation leaf should carry neither VM nor CRL")
	}
}

func TestProjectChainVersionMismatchIsFatal(t *testing.T) {
	root, rootKey := makeCert(t, "root", 1, []pkix.Extension{versionExt(t)}, nil, nil)
	badVersion, err := EncodeInt(ProtocolVersion + 1)
	if err != nil {
		t.Fatal(err)
	}
	leaf, _ := makeCert(t, "leaf", 2, []pkix.Extension{{Id: OIDVersion, Value: badVersion}}, root, rootKey)

	if _, err := ProjectChain([]*x509.Certificate{leaf, root}); err != ErrVersionMismatch {
		t.Fatalf("got %v, want ErrVersionMismatch", err)
	}
}

func TestProjectChainMissingVersionIsFatal(t *testing.T) {
	root, rootKey := makeCert(t, "root", 1, []pkix.Extension{versionExt(t)}, nil, nil)
	leaf, _ := makeCert(t, "leaf", 2, nil, root, rootKey)

	if _, err := ProjectChain([]*x509.Certificate{leaf, root}); err != ErrMissingVersion {
		t.Fatalf("got %v, want ErrMissingVersion", err)
	}
}

func TestProjectChainRejectsDualVMAndCRL(t *testing.T) {
	root, rootKey := makeCert(t, "root", 1, []pkix.Extension{versionExt(t)}, nil, nil)

	cpuid, _ := EncodeInt(0)
	mem, _ := EncodeInt(256)
	img, _ := EncodeImage(ImageAmd64, []byte("x"))
	crl, _ := EncodeCRL(CRL{Issuer: "root", Serial: 1})

	leafExts := []pkix.Extension{
		versionExt(t),
		{Id: OIDCpuid, Value: cpuid},
		{Id: OIDMemory, Value: mem},
		{Id: OIDVMImage, Value: img},
		{Id: OIDCrl, Value: crl},
	}
	leaf, _ := makeCert(t, "leaf", 2, leafExts, root, rootKey)

	if _, err := ProjectChain([]*x509.Certificate{leaf, root}); err != ErrBothVMAndCRL {
		t.Fatalf("got %v, want ErrBothVMAndCRL", err)
	}
}

func TestProjectChainVMLeaf(t *testing.T) {
	root, rootKey := makeCert(t, "root", 1, []pkix.Extension{versionExt(t)}, nil, nil)

	cpuid, _ := EncodeInt(3)
	mem, _ := EncodeInt(512)
	img, _ := EncodeImage(ImageArm64, []byte("unikernel"))
	net, _ := EncodeStrings([]string{"lan"})

	leafExts := []pkix.Extension{
		versionExt(t),
		{Id: OIDCpuid, Value: cpuid},
		{Id: OIDMemory, Value: mem},
		{Id: OIDVMImage, Value: img},
		{Id: OIDNetwork, Value: net},
	}
	leaf, _ := makeCert(t, "vm-leaf", 2, leafExts, root, rootKey)

	proj, err := ProjectChain([]*x509.Certificate{leaf, root})
	if err != nil {
		t.Fatal(err)
	}
	if proj.VM == nil {
		t.Fatal("expected VM config, got nil")
	}
	if proj.VM.Cpuid != 3 || proj.VM.RequestedMemory != 512 || proj.VM.Image != ImageArm64 {
		t.Fatalf("got %+v", proj.VM)
	}
	if len(proj.VM.Networks) != 1 || proj.VM.Networks[0] != "lan" {
		t.Fatalf("got networks %v", proj.VM.Networks)
	}
}

func TestProjectChainCRLLeaf(t *testing.T) {
	root, rootKey := makeCert(t, "root", 1, []pkix.Extension{versionExt(t)}, nil, nil)

	crl, _ := EncodeCRL(CRL{Issuer: "tenant", Serial: 7, Revoked: []*big.Int{big.NewInt(9)}})
	leaf, _ := makeCert(t, "crl-leaf", 2, []pkix.Extension{versionExt(t), {Id: OIDCrl, Value: crl}}, root, rootKey)

	proj, err := ProjectChain([]*x509.Certificate{leaf, root})
	if err != nil {
		t.Fatal(err)
	}
	if proj.CRLAnnounce == nil {
		t.Fatal("expected CRL announcement, got nil")
	}
	if proj.CRLAnnounce.Issuer != "tenant" || proj.CRLAnnounce.Serial != 7 {
		t.Fatalf("got %+v", proj.CRLAnnounce)
	}
}

func TestProjectChainPrefixOrderingRootToLeaf(t *testing.T) {
	root, rootKey := makeCert(t, "root", 1, []pkix.Extension{versionExt(t)}, nil, nil)
	org, orgKey := makeCert(t, "org", 2, []pkix.Extension{versionExt(t)}, root, rootKey)
	team, teamKey := makeCert(t, "team", 3, []pkix.Extension{versionExt(t)}, org, orgKey)
	leaf, _ := makeCert(t, "leaf", 4, []pkix.Extension{versionExt(t)}, team, teamKey)

	proj, err := ProjectChain([]*x509.Certificate{leaf, team, org, root})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"org", "team"}
	if len(proj.Prefix) != len(want) {
		t.Fatalf("got prefix %v, want %v", proj.Prefix, want)
	}
	for i := range want {
		if proj.Prefix[i] != want[i] {
			t.Fatalf("got prefix %v, want %v", proj.Prefix, want)
		}
	}
}
