// Package bencode implements the subset of bencoding used by the rtpengine
// ng control protocol: byte strings, integers, lists and dictionaries.
package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// maxDepth bounds list/dictionary nesting when decoding.
const maxDepth = 32

var (
	// ErrUnexpectedEOF is returned when the input ends inside a value.
	ErrUnexpectedEOF = errors.New("bencode: unexpected end of input")

	// ErrTrailingData is returned when bytes remain after the top-level value.
	ErrTrailingData = errors.New("bencode: trailing data after value")
)

// Marshal encodes v. Supported types are string, []byte, bool (encoded as
// 0/1), all integer kinds, []string, []any, map[string]string and
// map[string]any. Dictionary keys are written in sorted order.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case string:
		writeString(buf, val)
	case []byte:
		buf.WriteString(strconv.Itoa(len(val)))
		buf.WriteByte(':')
		buf.Write(val)
	case bool:
		if val {
			writeInt(buf, 1)
		} else {
			writeInt(buf, 0)
		}
	case int:
		writeInt(buf, int64(val))
	case int32:
		writeInt(buf, int64(val))
	case int64:
		writeInt(buf, val)
	case uint:
		writeInt(buf, int64(val))
	case uint16:
		writeInt(buf, int64(val))
	case uint32:
		writeInt(buf, int64(val))
	case []string:
		buf.WriteByte('l')
		for _, s := range val {
			writeString(buf, s)
		}
		buf.WriteByte('e')
	case []any:
		buf.WriteByte('l')
		for _, item := range val {
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case map[string]string:
		buf.WriteByte('d')
		for _, k := range sortedKeys(val) {
			writeString(buf, k)
			writeString(buf, val[k])
		}
		buf.WriteByte('e')
	case map[string]any:
		buf.WriteByte('d')
		for _, k := range sortedKeys(val) {
			writeString(buf, k)
			if err := encode(buf, val[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		buf.WriteByte('e')
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.WriteString(s)
}

func writeInt(buf *bytes.Buffer, n int64) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteByte('e')
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Unmarshal decodes a single bencoded value. Byte strings decode to string,
// integers to int64, lists to []any and dictionaries to map[string]any.
func Unmarshal(data []byte) (any, error) {
	d := decoder{data: data}
	v, err := d.value(0)
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.data) {
		return nil, ErrTrailingData
	}
	return v, nil
}

// UnmarshalDict decodes data and requires the top-level value to be a
// dictionary.
func UnmarshalDict(data []byte) (map[string]any, error) {
	v, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("bencode: top-level value is %T, want dictionary", v)
	}
	return m, nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) value(depth int) (any, error) {
	if d.pos >= len(d.data) {
		return nil, ErrUnexpectedEOF
	}
	if depth > maxDepth {
		return nil, fmt.Errorf("bencode: nesting deeper than %d", maxDepth)
	}

	switch c := d.data[d.pos]; {
	case c == 'i':
		d.pos++
		return d.integer('e')
	case c == 'l':
		d.pos++
		list := []any{}
		for {
			if d.pos >= len(d.data) {
				return nil, ErrUnexpectedEOF
			}
			if d.data[d.pos] == 'e' {
				d.pos++
				return list, nil
			}
			item, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
	case c == 'd':
		d.pos++
		dict := map[string]any{}
		for {
			if d.pos >= len(d.data) {
				return nil, ErrUnexpectedEOF
			}
			if d.data[d.pos] == 'e' {
				d.pos++
				return dict, nil
			}
			key, err := d.str()
			if err != nil {
				return nil, fmt.Errorf("dictionary key: %w", err)
			}
			val, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			dict[key] = val
		}
	case c >= '0' && c <= '9':
		return d.str()
	default:
		return nil, fmt.Errorf("bencode: invalid byte %q at offset %d", c, d.pos)
	}
}

// integer reads digits up to the terminator and validates the canonical form.
func (d *decoder) integer(term byte) (int64, error) {
	end := bytes.IndexByte(d.data[d.pos:], term)
	if end < 0 {
		return 0, ErrUnexpectedEOF
	}
	raw := string(d.data[d.pos : d.pos+end])
	if raw == "" || raw == "-" || raw == "-0" {
		return 0, fmt.Errorf("bencode: invalid integer %q", raw)
	}
	digits := raw
	if digits[0] == '-' {
		digits = digits[1:]
	}
	if len(digits) > 1 && digits[0] == '0' {
		return 0, fmt.Errorf("bencode: leading zero in integer %q", raw)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bencode: invalid integer %q: %w", raw, err)
	}
	d.pos += end + 1
	return n, nil
}

func (d *decoder) str() (string, error) {
	if d.pos >= len(d.data) || d.data[d.pos] < '0' || d.data[d.pos] > '9' {
		return "", fmt.Errorf("bencode: expected string at offset %d", d.pos)
	}
	n, err := d.integer(':')
	if err != nil {
		return "", err
	}
	if n < 0 || int64(len(d.data)-d.pos) < n {
		return "", ErrUnexpectedEOF
	}
	s := string(d.data[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}
