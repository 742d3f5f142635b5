// hash.go computes stable input hashes over canonicalized parameter trees.

package muninn

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// InputHash returns the 64-bit canonical hash of an input parameter tree,
// encoded as 16 lowercase hex characters.
//
// The hash is a deterministic function of the canonical serialization:
// object keys sorted, numbers normalized (1.0 and 1 hash identically),
// no insignificant whitespace. Identical trees always produce identical
// hashes across runs and processes.
func InputHash(params map[string]any) string {
	canonical := CanonicalJSON(params)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}

// CanonicalJSON serializes a parameter tree to its canonical form:
// sorted object keys, normalized numbers, compact encoding.
func CanonicalJSON(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if x {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeJSONString(b, x)
	case json.Number:
		writeNumber(b, x.String())
	case float64:
		writeFloat(b, x)
	case float32:
		writeFloat(b, float64(x))
	case int:
		b.WriteString(strconv.FormatInt(int64(x), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case uint64:
		b.WriteString(strconv.FormatUint(x, 10))
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONString(b, k)
			b.WriteByte(':')
			writeCanonical(b, x[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, elem := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, elem)
		}
		b.WriteByte(']')
	default:
		// Structs and other values round-trip through encoding/json,
		// which sorts map keys and gives a stable field order.
		data, err := json.Marshal(x)
		if err != nil {
			writeJSONString(b, fmt.Sprintf("%v", x))
			return
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			b.Write(data)
			return
		}
		writeCanonical(b, generic)
	}
}

// writeFloat normalizes the number representation: integral floats render
// without a fractional part so 1.0 and 1 hash identically.
func writeFloat(b *strings.Builder, f float64) {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		b.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

func writeNumber(b *strings.Builder, s string) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		writeFloat(b, f)
		return
	}
	b.WriteString(s)
}

func writeJSONString(b *strings.Builder, s string) {
	data, _ := json.Marshal(s)
	b.Write(data)
}
