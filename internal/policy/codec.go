package policy

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"net"
)

// ErrTrailingBytes is returned by every Decode* function when the DER
// value for an extension has bytes left over after parsing. Any
// surplus is a parse error, never silently ignored.
var ErrTrailingBytes = errors.New("policy: trailing bytes after extension value")

func unmarshalExact(data []byte, out interface{}) error {
	rest, err := asn1.Unmarshal(data, out)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if len(rest) != 0 {
		return ErrTrailingBytes
	}
	return nil
}

// --- simple scalar extensions (version, vms, memory, block, cpuid) ---

func EncodeInt(v int) ([]byte, error) { return asn1.Marshal(v) }

func DecodeInt(data []byte) (int, error) {
	var v int
	if err := unmarshalExact(data, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// --- cpuids: SET OF INTEGER ---

func EncodeCpuidSet(cpuids map[int]bool) ([]byte, error) {
	var vals []int
	for c := range cpuids {
		vals = append(vals, c)
	}
	return asn1.MarshalWithParams(vals, "set")
}

func DecodeCpuidSet(data []byte) (map[int]bool, error) {
	var vals []int
	if err := unmarshalExactParams(data, &vals, "set"); err != nil {
		return nil, err
	}
	out := make(map[int]bool, len(vals))
	for _, v := range vals {
		out[v] = true
	}
	return out, nil
}

func unmarshalExactParams(data []byte, out interface{}, params string) error {
	rest, err := asn1.UnmarshalWithParams(data, out, params)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if len(rest) != 0 {
		return ErrTrailingBytes
	}
	return nil
}

// --- strings: block_device (single UTF8String), network/argv (SEQUENCE OF UTF8String) ---

func EncodeString(s string) ([]byte, error) {
	return asn1.MarshalWithParams(s, "utf8")
}

func DecodeString(data []byte) (string, error) {
	var s string
	if err := unmarshalExactParams(data, &s, "utf8"); err != nil {
		return "", err
	}
	return s, nil
}

func EncodeStrings(ss []string) ([]byte, error) {
	wrapped := make([]asn1.RawValue, len(ss))
	for i, s := range ss {
		b, err := asn1.MarshalWithParams(s, "utf8")
		if err != nil {
			return nil, err
		}
		var rv asn1.RawValue
		if _, err := asn1.Unmarshal(b, &rv); err != nil {
			return nil, err
		}
		wrapped[i] = rv
	}
	return asn1.Marshal(wrapped)
}

func DecodeStrings(data []byte) ([]string, error) {
	var wrapped []asn1.RawValue
	if err := unmarshalExact(data, &wrapped); err != nil {
		return nil, err
	}
	out := make([]string, len(wrapped))
	for i, rv := range wrapped {
		var s string
		if _, err := asn1.UnmarshalWithParams(rv.FullBytes, &s, "utf8"); err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		out[i] = s
	}
	return out, nil
}

// --- permissions: BIT STRING, one bit per Permission in permissionOrder ---

func EncodePermissions(set PermissionSet) ([]byte, error) {
	nbits := len(permissionOrder)
	bytesLen := (nbits + 7) / 8
	bits := make([]byte, bytesLen)
	for i, p := range permissionOrder {
		if set[p] {
			bits[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return asn1.Marshal(asn1.BitString{Bytes: bits, BitLength: nbits})
}

func DecodePermissions(data []byte) (PermissionSet, error) {
	var bs asn1.BitString
	if err := unmarshalExact(data, &bs); err != nil {
		return nil, err
	}
	out := make(PermissionSet)
	for i, p := range permissionOrder {
		if i >= bs.BitLength {
			break
		}
		if bs.At(i) == 1 {
			out[p] = true
		}
	}
	return out, nil
}

// --- bridges: SEQUENCE OF CHOICE { [0] UTF8String, [1] SEQUENCE{...} } ---

type externalBridgeASN1 struct {
	Name    string `asn1:"utf8"`
	Start   []byte
	End     []byte
	Router  []byte
	Netmask int
}

func EncodeBridges(bridges map[string]Bridge) ([]byte, error) {
	raws := make([]asn1.RawValue, 0, len(bridges))
	for _, b := range bridges {
		switch b.Kind {
		case BridgeInternal:
			inner, err := asn1.MarshalWithParams(b.Name, "utf8")
			if err != nil {
				return nil, err
			}
			var plain asn1.RawValue
			if _, err := asn1.Unmarshal(inner, &plain); err != nil {
				return nil, err
			}
			raws = append(raws, asn1.RawValue{
				Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: false,
				Bytes: plain.Bytes,
			})
		case BridgeExternal:
			startIP, err := ipv4Bytes(b.StartIP)
			if err != nil {
				return nil, err
			}
			endIP, err := ipv4Bytes(b.EndIP)
			if err != nil {
				return nil, err
			}
			routerIP, err := ipv4Bytes(b.RouterIP)
			if err != nil {
				return nil, err
			}
			inner, err := asn1.Marshal(externalBridgeASN1{
				Name: b.Name, Start: startIP, End: endIP, Router: routerIP, Netmask: b.Netmask,
			})
			if err != nil {
				return nil, err
			}
			var seq asn1.RawValue
			if _, err := asn1.Unmarshal(inner, &seq); err != nil {
				return nil, err
			}
			raws = append(raws, asn1.RawValue{
				Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true,
				Bytes: seq.Bytes,
			})
		default:
			return nil, fmt.Errorf("policy: unknown bridge kind %v", b.Kind)
		}
	}
	return asn1.Marshal(raws)
}

func DecodeBridges(data []byte) (map[string]Bridge, error) {
	var raws []asn1.RawValue
	if err := unmarshalExact(data, &raws); err != nil {
		return nil, err
	}

	out := make(map[string]Bridge, len(raws))
	for _, rv := range raws {
		if rv.Class != asn1.ClassContextSpecific {
			return nil, fmt.Errorf("policy: bridge choice has unexpected class %d", rv.Class)
		}
		switch rv.Tag {
		case 0: // internal
			var name string
			if err := unmarshalPrimitiveUTF8(rv, &name); err != nil {
				return nil, err
			}
			out[name] = Bridge{Name: name, Kind: BridgeInternal}
		case 1: // external
			var ext externalBridgeASN1
			if err := unmarshalCompoundSequence(rv, &ext); err != nil {
				return nil, err
			}
			startIP, err := bytesToIPv4(ext.Start)
			if err != nil {
				return nil, err
			}
			endIP, err := bytesToIPv4(ext.End)
			if err != nil {
				return nil, err
			}
			routerIP, err := bytesToIPv4(ext.Router)
			if err != nil {
				return nil, err
			}
			out[ext.Name] = Bridge{
				Name: ext.Name, Kind: BridgeExternal,
				StartIP: startIP, EndIP: endIP, RouterIP: routerIP, Netmask: ext.Netmask,
			}
		default:
			return nil, fmt.Errorf("policy: unknown bridge choice tag %d", rv.Tag)
		}
	}
	return out, nil
}

func unmarshalPrimitiveUTF8(rv asn1.RawValue, out *string) error {
	// re-tag as a universal UTF8String so asn1 will decode the bytes
	// the way it decodes any other UTF8String value.
	wrapped := asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagUTF8String, Bytes: rv.Bytes}
	full, err := asn1.Marshal(wrapped)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return unmarshalExactParams(full, out, "utf8")
}

func unmarshalCompoundSequence(rv asn1.RawValue, out interface{}) error {
	wrapped := asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSequence, IsCompound: true, Bytes: rv.Bytes}
	full, err := asn1.Marshal(wrapped)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return unmarshalExact(full, out)
}

func ipv4Bytes(s string) ([]byte, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("policy: invalid IPv4 address %q", s)
	}
	return []byte(ip), nil
}

func bytesToIPv4(b []byte) (string, error) {
	if len(b) != 4 {
		return "", fmt.Errorf("policy: invalid IPv4 octet length %d", len(b))
	}
	return net.IP(b).String(), nil
}

// --- vmimage: CHOICE { [0] amd64, [1] arm64, [2] amd64_compressed } OCTET STRING payload ---

func EncodeImage(kind ImageKind, payload []byte) ([]byte, error) {
	if kind != ImageAmd64 && kind != ImageArm64 && kind != ImageAmd64Compressed {
		return nil, fmt.Errorf("policy: unknown image kind %v", kind)
	}
	rv := asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: int(kind), IsCompound: false, Bytes: payload}
	return asn1.Marshal(rv)
}

func DecodeImage(data []byte) (ImageKind, []byte, error) {
	var rv asn1.RawValue
	if err := unmarshalExact(data, &rv); err != nil {
		return 0, nil, err
	}
	if rv.Class != asn1.ClassContextSpecific {
		return 0, nil, fmt.Errorf("policy: vmimage choice has unexpected class %d", rv.Class)
	}
	switch rv.Tag {
	case 0:
		return ImageAmd64, rv.Bytes, nil
	case 1:
		return ImageArm64, rv.Bytes, nil
	case 2:
		return ImageAmd64Compressed, rv.Bytes, nil
	default:
		return 0, nil, fmt.Errorf("policy: unknown vmimage choice tag %d", rv.Tag)
	}
}

// --- crl: SEQUENCE { issuer UTF8String, serial INTEGER, revoked SEQUENCE OF INTEGER } ---

type crlASN1 struct {
	Issuer  string `asn1:"utf8"`
	Serial  int64
	Revoked []*big.Int
}

func EncodeCRL(c CRL) ([]byte, error) {
	revoked := c.Revoked
	if revoked == nil {
		revoked = []*big.Int{}
	}
	return asn1.Marshal(crlASN1{Issuer: c.Issuer, Serial: c.Serial, Revoked: revoked})
}

func DecodeCRL(data []byte) (CRL, error) {
	var v crlASN1
	if err := unmarshalExact(data, &v); err != nil {
		return CRL{}, err
	}
	return CRL{Issuer: v.Issuer, Serial: v.Serial, Revoked: v.Revoked}, nil
}
