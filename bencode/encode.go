package bencode

import (
	"fmt"
	"sort"
	"strconv"
)

// Marshal encodes a value built from int64, string, []byte, []any and
// map[string]any into bencode bytes. It exists to drive the round-trip
// property in spec §8 ("decode(encode(t)) == t for every value-preserving
// encoder") and to let other packages in this module build outgoing
// bencoded payloads without reaching for a reflection-based marshaler the
// lazy decoder has no use for.
func Marshal(v interface{}) ([]byte, error) {
	var buf []byte
	buf, err := appendValue(buf, v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendValue(buf []byte, v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case int64:
		return appendInt(buf, x), nil
	case int:
		return appendInt(buf, int64(x)), nil
	case string:
		return appendString(buf, []byte(x)), nil
	case []byte:
		return appendString(buf, x), nil
	case []interface{}:
		buf = append(buf, 'l')
		for _, e := range x {
			var err error
			buf, err = appendValue(buf, e)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, 'e'), nil
	case map[string]interface{}:
		buf = append(buf, 'd')
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = appendString(buf, []byte(k))
			var err error
			buf, err = appendValue(buf, x[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, 'e'), nil
	default:
		return nil, fmt.Errorf("bencode: cannot marshal value of type %T", v)
	}
}

func appendInt(buf []byte, v int64) []byte {
	buf = append(buf, 'i')
	buf = append(buf, strconv.FormatInt(v, 10)...)
	return append(buf, 'e')
}

func appendString(buf []byte, s []byte) []byte {
	buf = append(buf, strconv.Itoa(len(s))...)
	buf = append(buf, ':')
	return append(buf, s...)
}
