// Package canonical produces the byte-exact JSON serialization that content
// signatures are computed over. The dialect is pinned by already-deployed
// verifiers: sorted keys at every depth, compact separators, non-ASCII escaped
// as lowercase \uXXXX, and ECMAScript Number#toString formatting. It is
// intentionally not RFC 8785.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Record is one element of a signed record set. Records carry at least an
// "id" string and a "last_modified" integer; a "deleted": true entry is a
// tombstone and never appears in the signed payload.
type Record = map[string]any

// Serialize returns the signed payload for a record set and the collection
// timestamp: {"data":[...],"last_modified":"<ts>"}.
//
// Tombstones are removed before sorting, remaining records are sorted by
// byte-wise comparison of their id.
func Serialize(records []Record, lastModified int64) ([]byte, error) {
	live := make([]any, 0, len(records))
	for _, r := range records {
		if deleted, ok := r["deleted"].(bool); ok && deleted {
			continue
		}
		live = append(live, r)
	}
	sort.SliceStable(live, func(i, j int) bool {
		return recordID(live[i]) < recordID(live[j])
	})

	return Marshal(map[string]any{
		"data":          live,
		"last_modified": strconv.FormatInt(lastModified, 10),
	})
}

func recordID(v any) string {
	r, ok := v.(Record)
	if !ok {
		return ""
	}
	id, _ := r["id"].(string)
	return id
}

// Marshal returns the canonical bytes of any JSON-marshalable value.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := marshalValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, t)
	case json.Number:
		buf.WriteString(numberText(t))
	case float64:
		buf.WriteString(floatText(t))
	case float32:
		buf.WriteString(floatText(float64(t)))
	case int:
		buf.WriteString(intText(int64(t)))
	case int64:
		buf.WriteString(intText(t))
	case uint64:
		if t >= 1<<63 {
			buf.WriteString(floatText(float64(t)))
		} else {
			buf.WriteString(intText(int64(t)))
		}
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := marshalValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Structs, typed maps and slices go through an intermediate
		// marshal so json tags are respected, then a decode with
		// UseNumber so numeric literals survive untouched.
		intermediate, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonical: pre-marshal failed: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(intermediate))
		dec.UseNumber()
		var generic any
		if err := dec.Decode(&generic); err != nil {
			return fmt.Errorf("canonical: intermediate decode failed: %w", err)
		}
		return marshalValue(buf, generic)
	}
	return nil
}

// writeString emits a JSON string with the dialect's escaping rules: short
// escapes for the predefined controls, lowercase \uXXXX for every other
// control and for all non-ASCII, surrogate pairs for astral code points.
// Forward slash stays unescaped.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r < 0x20:
				fmt.Fprintf(buf, `\u%04x`, r)
			case r < 0x80:
				buf.WriteByte(byte(r))
			case r > 0xFFFF:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
			default:
				fmt.Fprintf(buf, `\u%04x`, r)
			}
		}
	}
	buf.WriteByte('"')
}

func numberText(n json.Number) string {
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return intText(i)
	}
	f, err := n.Float64()
	if err != nil {
		// Not representable; fall back to the literal.
		return n.String()
	}
	return floatText(f)
}

func intText(i int64) string {
	// int64 cannot reach 1e21, so integers always print in plain decimal.
	return strconv.FormatInt(i, 10)
}

// floatText mimics ECMAScript Number#toString within the precision the
// historical serializer used: fixed notation rounded to 8 decimal places for
// |x| in [1e-6, 1e21), scientific with an 8-decimal mantissa otherwise.
func floatText(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "null"
	}
	abs := math.Abs(f)
	if abs >= 1e21 || (abs > 0 && abs < 1e-6) {
		return trimScientific(strconv.FormatFloat(f, 'e', 8, 64))
	}
	if f == math.Trunc(f) {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', 8, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// trimScientific turns Go's "9.30258908e-07" into "9.30258908e-7": trailing
// mantissa zeros go, the exponent sign stays, a single leading exponent zero
// is dropped (so an all-zero exponent leaves a bare "e-").
func trimScientific(s string) string {
	i := strings.IndexByte(s, 'e')
	mantissa := strings.TrimRight(s[:i], "0")
	mantissa = strings.TrimSuffix(mantissa, ".")
	sign := s[i+1]
	digits := s[i+2:]
	digits = strings.TrimPrefix(digits, "0")
	return mantissa + "e" + string(sign) + digits
}
