package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Bech32 charset
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// TLV types used by nprofile and nevent
const (
	tlvSpecial = 0 // event id for nevent, pubkey for nprofile
	tlvRelay   = 1
	tlvAuthor  = 2
)

var (
	ErrBech32Checksum = errors.New("bech32: invalid checksum")
	ErrUnknownEntity  = errors.New("unsupported NIP-19 entity")
)

// Entity is a decoded NIP-19 identifier or a plain hex id
type Entity struct {
	Prefix     string // npub, nprofile, note, nevent or hex
	Hex        string // pubkey for npub/nprofile, event id for note/nevent
	Author     string // nevent only, optional
	RelayHints []string
}

// IsPubkey reports whether e names a user
func (e Entity) IsPubkey() bool {
	return e.Prefix == "npub" || e.Prefix == "nprofile"
}

// DecodeEntity accepts a 64-char hex id or an npub, nprofile, note or nevent string
func DecodeEntity(s string) (Entity, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "nostr:")
	if isHex32(s) {
		return Entity{Prefix: "hex", Hex: strings.ToLower(s)}, nil
	}

	hrp, data, err := bech32Decode(strings.ToLower(s))
	if err != nil {
		return Entity{}, err
	}
	raw, err := convertBits(data, 5, 8, false)
	if err != nil {
		return Entity{}, err
	}

	switch hrp {
	case "npub", "note":
		if len(raw) != 32 {
			return Entity{}, fmt.Errorf("%s: want 32 bytes, got %d", hrp, len(raw))
		}
		return Entity{Prefix: hrp, Hex: hex.EncodeToString(raw)}, nil
	case "nprofile", "nevent":
		e, err := decodeTLV(hrp, raw)
		if err != nil {
			return Entity{}, err
		}
		return e, nil
	default:
		return Entity{}, fmt.Errorf("%w: %s", ErrUnknownEntity, hrp)
	}
}

// EncodeNpub encodes a hex pubkey as npub
func EncodeNpub(pubkeyHex string) (string, error) {
	return encode32("npub", pubkeyHex)
}

// EncodeNote encodes a hex event id as note
func EncodeNote(eventID string) (string, error) {
	return encode32("note", eventID)
}

func encode32(hrp, hexValue string) (string, error) {
	b, err := hex.DecodeString(hexValue)
	if err != nil {
		return "", err
	}
	if len(b) != 32 {
		return "", fmt.Errorf("%s: want 32 bytes, got %d", hrp, len(b))
	}
	data, err := convertBits(b, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode(hrp, data), nil
}

func decodeTLV(hrp string, data []byte) (Entity, error) {
	e := Entity{Prefix: hrp}
	for i := 0; i+2 <= len(data); {
		typ, n := data[i], int(data[i+1])
		i += 2
		if i+n > len(data) {
			return Entity{}, fmt.Errorf("%s: truncated TLV", hrp)
		}
		value := data[i : i+n]
		i += n

		switch typ {
		case tlvSpecial:
			if n == 32 {
				e.Hex = hex.EncodeToString(value)
			}
		case tlvRelay:
			e.RelayHints = append(e.RelayHints, string(value))
		case tlvAuthor:
			if hrp == "nevent" && n == 32 {
				e.Author = hex.EncodeToString(value)
			}
		}
	}
	if e.Hex == "" {
		return Entity{}, fmt.Errorf("%s: missing id", hrp)
	}
	return e, nil
}

func isHex32(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// bech32Decode splits s into its HRP and 5-bit data, verifying the checksum
func bech32Decode(s string) (string, []byte, error) {
	pos := strings.LastIndexByte(s, '1')
	if pos < 1 || pos+7 > len(s) {
		return "", nil, errors.New("bech32: invalid separator position")
	}
	hrp := s[:pos]

	values := make([]byte, 0, len(s)-pos-1)
	for _, c := range s[pos+1:] {
		idx := strings.IndexRune(bech32Charset, c)
		if idx == -1 {
			return "", nil, fmt.Errorf("bech32: invalid character %q", c)
		}
		values = append(values, byte(idx))
	}
	if polymod(append(hrpExpand(hrp), values...)) != 1 {
		return "", nil, ErrBech32Checksum
	}
	return hrp, values[:len(values)-6], nil
}

func bech32Encode(hrp string, data []byte) string {
	values := append(hrpExpand(hrp), data...)
	mod := polymod(append(values, 0, 0, 0, 0, 0, 0)) ^ 1

	var b strings.Builder
	b.WriteString(hrp)
	b.WriteByte('1')
	for _, v := range data {
		b.WriteByte(bech32Charset[v])
	}
	for i := 0; i < 6; i++ {
		b.WriteByte(bech32Charset[(mod>>(5*(5-i)))&31])
	}
	return b.String()
}

func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	acc, bits := 0, uint(0)
	maxv := (1 << toBits) - 1
	out := make([]byte, 0, len(data)*int(fromBits)/int(toBits)+1)
	for _, v := range data {
		acc = acc<<fromBits | int(v)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits)&maxv))
		}
	} else if bits >= fromBits || acc<<(toBits-bits)&maxv != 0 {
		return nil, errors.New("bech32: invalid padding")
	}
	return out, nil
}

func polymod(values []byte) int {
	gen := [5]int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ int(v)
		for i := 0; i < 5; i++ {
			if (top>>i)&1 != 0 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func hrpExpand(hrp string) []byte {
	out := make([]byte, 0, len(hrp)*2+1)
	for _, c := range hrp {
		out = append(out, byte(c>>5))
	}
	out = append(out, 0)
	for _, c := range hrp {
		out = append(out, byte(c&31))
	}
	return out
}
