package policy

import (
	"bytes"
	"encoding/asn1"
	"math/big"
	"testing"
)

func TestIntRoundTrip(t *testing.T) {
	b, err := EncodeInt(128)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeInt(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != 128 {
		t.Fatalf("got %d, want 128", got)
	}
}

func TestIntTrailingBytesRejected(t *testing.T) {
	b, err := EncodeInt(7)
	if err != nil {
		t.Fatal(err)
	}
	b = append(b, 0x00)
	if _, err := DecodeInt(b); err != ErrTrailingBytes {
		t.Fatalf("got %v, want ErrTrailingBytes", err)
	}
}

func TestCpuidSetRoundTrip(t *testing.T) {
	in := map[int]bool{0: true, 2: true, 5: true}
	b, err := EncodeCpuidSet(in)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeCpuidSet(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(in) {
		t.Fatalf("got %v, want %v", got, in)
	}
	for k := range in {
		if !got[k] {
			t.Fatalf("missing cpuid %d in %v", k, got)
		}
	}
}

func TestStringsRoundTrip(t *testing.T) {
	in := []string{"eth0", "eth1", "mgmt"}
	b, err := EncodeStrings(in)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeStrings(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(in) {
		t.Fatalf("got %v, want %v", got, in)
	}
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("got %v, want %v", got, in)
		}
	}
}

func TestPermissionsRoundTrip(t *testing.T) {
	in := PermissionSet{PermCreate: true, PermConsole: true, PermCrl: true}
	b, err := EncodePermissions(in)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodePermissions(b)
	if err != nil {
		t.Fatal(err)
	}
	for p := range in {
		if !got.Has(p) {
			t.Fatalf("missing permission %v in %v", p, got)
		}
	}
	if got.Has(PermLog) {
		t.Fatalf("unexpected permission Log granted: %v", got)
	}
}

func TestPermissionsAllImpliesEverything(t *testing.T) {
	in := PermissionSet{PermAll: true}
	b, err := EncodePermissions(in)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodePermissions(b)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Has(PermConsole) || !got.Has(PermCrl) {
		t.Fatalf("All should imply every permission, got %v", got)
	}
}

func TestBridgesRoundTrip(t *testing.T) {
	in := map[string]Bridge{
		"lan": {Name: "lan", Kind: BridgeInternal},
		"wan": {
			Name: "wan", Kind: BridgeExternal,
			StartIP: "10.0.0.10", EndIP: "10.0.0.200",
			RouterIP: "10.0.0.1", Netmask: 24,
		},
	}
	b, err := EncodeBridges(in)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeBridges(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(in) {
		t.Fatalf("got %v, want %v", got, in)
	}
	if got["lan"].Kind != BridgeInternal {
		t.Fatalf("lan bridge decoded wrong: %+v", got["lan"])
	}
	wan := got["wan"]
	if wan.Kind != BridgeExternal || wan.StartIP != "10.0.0.10" || wan.RouterIP != "10.0.0.1" || wan.Netmask != 24 {
		t.Fatalf("wan bridge decoded wrong: %+v", wan)
	}
}

func TestImageRoundTripAllThreeKinds(t *testing.T) {
	for _, kind := range []ImageKind{ImageAmd64, ImageArm64, ImageAmd64Compressed} {
		payload := []byte("unikernel-bytes")
		b, err := EncodeImage(kind, payload)
		if err != nil {
			t.Fatal(err)
		}
		gotKind, gotPayload, err := DecodeImage(b)
		if err != nil {
			t.Fatal(err)
		}
		if gotKind != kind || !bytes.Equal(gotPayload, payload) {
			t.Fatalf("kind %v: got %v %q", kind, gotKind, gotPayload)
		}
	}
}

func TestImageUnknownChoiceRejected(t *testing.T) {
	rv := asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 5, Bytes: []byte("x")}
	b, err := asn1.Marshal(rv)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := DecodeImage(b); err == nil {
		t.Fatal("expected error decoding unknown image choice")
	}
}

func TestCRLRoundTrip(t *testing.T) {
	in := CRL{Issuer: "tenant", Serial: 3, Revoked: []*big.Int{big.NewInt(1), big.NewInt(42)}}
	b, err := EncodeCRL(in)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeCRL(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Issuer != in.Issuer || got.Serial != in.Serial || len(got.Revoked) != 2 {
		t.Fatalf("got %+v, want %+v", got, in)
	}
}
