// Package canon implements the canonicalization and content-hashing rules
// the compiler (§4.C4), the lifecycle route builder and the Compiled-IR
// cache (§4.C5) rely on for deterministic, content-addressed identifiers:
// sorted object keys, stable scalar formatting, sha256 content hashes, and
// a short base36 encoding (ShortID), which no other package calls.
package canon

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// Marshal renders v as canonical JSON: object keys sorted lexicographically
// at every nesting level, no insignificant whitespace, stable number
// formatting. It is the sole input to every hash computed by this package.
func Marshal(v any) ([]byte, error) {
	// Round-trip through encoding/json first so struct tags, field
	// ordering and custom MarshalJSON methods are honored, then
	// re-canonicalize the resulting generic value.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	var generic any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: decode for canonicalization: %w", err)
	}
	var b strings.Builder
	if err := writeCanonical(&b, generic); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case json.Number:
		b.WriteString(string(val))
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(enc)
	case []any:
		b.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(enc)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("canon: unsupported type %T", v)
	}
	return nil
}

// Hash returns the lowercase hex sha256 digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum), nil
}

// MustHash is Hash but panics on error; only safe for values known to be
// JSON-marshalable (used at package-init time / tests).
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// ShortID returns the trailing `length` base36 characters of data,
// left-padded with zeros. Used to derive short, stable cache-key suffixes
// from a full content hash without carrying the whole hex string around.
func ShortID(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}
	out := make([]byte, len(chars))
	for i, c := range chars {
		out[len(chars)-1-i] = c
	}
	str := string(out)
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}
