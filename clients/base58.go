package clients

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"math/big"
)

const b58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// tronAddressPrefix is the version byte of TRON mainnet addresses (0x41,
// base58 "T...").
const tronAddressPrefix = 0x41

func base58Encode(input []byte) string {
	x := new(big.Int).SetBytes(input)
	base := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	for x.Sign() > 0 {
		x.DivMod(x, base, mod)
		out = append(out, b58Alphabet[mod.Int64()])
	}
	for _, b := range input {
		if b != 0 {
			break
		}
		out = append(out, b58Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func base58Decode(input string) ([]byte, error) {
	x := big.NewInt(0)
	base := big.NewInt(58)
	for _, r := range input {
		idx := bytes.IndexByte([]byte(b58Alphabet), byte(r))
		if idx < 0 {
			return nil, fmt.Errorf("invalid base58 character %q", r)
		}
		x.Mul(x, base)
		x.Add(x, big.NewInt(int64(idx)))
	}
	decoded := x.Bytes()
	var leading int
	for leading = 0; leading < len(input) && input[leading] == b58Alphabet[0]; leading++ {
	}
	return append(make([]byte, leading), decoded...), nil
}

// tronToRaw decodes a base58check TRON address into its 21-byte raw form
// (0x41 prefix + 20-byte account).
func tronToRaw(address string) ([]byte, error) {
	decoded, err := base58Decode(address)
	if err != nil {
		return nil, err
	}
	if len(decoded) != 25 {
		return nil, fmt.Errorf("tron address wrong length %d", len(decoded))
	}
	payload, checksum := decoded[:21], decoded[21:]
	h1 := sha256.Sum256(payload)
	h2 := sha256.Sum256(h1[:])
	if !bytes.Equal(checksum, h2[:4]) {
		return nil, fmt.Errorf("tron address checksum mismatch")
	}
	if payload[0] != tronAddressPrefix {
		return nil, fmt.Errorf("tron address bad prefix 0x%02x", payload[0])
	}
	return payload, nil
}

// rawToTron encodes a 21-byte raw address as base58check.
func rawToTron(raw []byte) string {
	h1 := sha256.Sum256(raw)
	h2 := sha256.Sum256(h1[:])
	return base58Encode(append(raw, h2[:4]...))
}

func isTronAddress(address string) bool {
	_, err := tronToRaw(address)
	return err == nil
}
