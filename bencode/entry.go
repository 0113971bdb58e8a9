// Package bencode implements a lazy bencode decoder: a single-pass parser
// that builds a tagged tree of slice references into the input buffer,
// rather than allocating new strings and boxed values for every scalar.
package bencode

import (
	"math"
	"strconv"
)

// Kind identifies which of the four bencode variants an Entry holds.
type Kind int

const (
	// None is the zero value: a tree position that was never visited by
	// the decoder. A fully decoded tree never exposes a None entry to a
	// caller except as the result of a failed dict lookup.
	None Kind = iota
	Int
	String
	List
	Dict
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Int:
		return "int"
	case String:
		return "string"
	case List:
		return "list"
	case Dict:
		return "dict"
	default:
		return "invalid"
	}
}

// kv is a single dictionary slot. Keys are raw bytes, compared byte-equal;
// insertion order is preserved rather than sorted, since tolerant-mode
// decoding accepts dictionaries in any key order.
type kv struct {
	key   []byte
	value Entry
}

// Entry is a node in a lazily decoded bencode tree. Scalars (Int, String)
// hold a slice reference directly into the buffer that was decoded;
// containers (List, Dict) hold child Entry values. An Entry is only ever
// produced, whole, by Decode: a decode that fails never returns a partially
// built tree.
type Entry struct {
	kind Kind

	// valid when kind == String: the raw bytes of the string, a subslice
	// of the buffer passed to Decode.
	str []byte

	// valid when kind == Int: the raw digits (and optional leading '-'),
	// a subslice of the buffer passed to Decode. Parsed on demand by
	// Int64.
	intDigits []byte

	list []Entry
	dict []kv
}

// Kind reports which bencode variant e holds.
func (e Entry) Kind() Kind { return e.kind }

// IsNone reports whether e is the zero Entry, i.e. a position the decoder
// never constructed (a failed DictFind lookup, or the Entry returned
// alongside a Decode error; Index panics rather than returning None).
func (e Entry) IsNone() bool { return e.kind == None }

// Bytes returns the raw bytes of a String entry. Panics on any other kind;
// callers are expected to check Kind first, mirroring how the original
// lazy_entry exposes string_value() only meaningfully for string_t.
func (e Entry) Bytes() []byte {
	if e.kind != String {
		panic("bencode: Bytes called on non-string entry, kind " + e.kind.String())
	}
	return e.str
}

// Str is Bytes converted to a string without copying the backing array.
func (e Entry) Str() string {
	return bytesAsString(e.Bytes())
}

// Int64 parses an Int entry's digit slice on demand, saturating to
// math.MinInt64/math.MaxInt64 on overflow rather than erroring: a decoder
// that accepted the digits already validated they're well-formed, so
// overflow is the only ambiguity left, and saturating is strictly more
// useful to callers than panicking.
func (e Entry) Int64() int64 {
	if e.kind != Int {
		panic("bencode: Int64 called on non-int entry, kind " + e.kind.String())
	}
	return parseSaturating(e.intDigits)
}

func parseSaturating(digits []byte) int64 {
	s := bytesAsString(digits)
	v, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return v
	}
	if numErr, ok := err.(*strconv.NumError); ok && numErr.Err == strconv.ErrRange {
		if len(s) > 0 && s[0] == '-' {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	// Only reachable on malformed digits, which Decode should have
	// rejected before ever constructing this entry.
	panic("bencode: malformed integer slice escaped decode: " + s)
}

// Len returns the number of elements in a List, or the number of key/value
// pairs in a Dict. Panics on any other kind.
func (e Entry) Len() int {
	switch e.kind {
	case List:
		return len(e.list)
	case Dict:
		return len(e.dict)
	default:
		panic("bencode: Len called on entry of kind " + e.kind.String())
	}
}

// Index returns the i'th element of a List entry.
func (e Entry) Index(i int) Entry {
	if e.kind != List {
		panic("bencode: Index called on non-list entry, kind " + e.kind.String())
	}
	return e.list[i]
}

// DictFind performs a linear, byte-equal scan of a Dict entry's keys in
// insertion order and returns the matching child, or the zero Entry (kind
// None) if absent. Linear scan matches the original lazy_entry::dict_find,
// which never sorts or indexes; bencode dictionaries in the wild are small.
func (e Entry) DictFind(key []byte) Entry {
	if e.kind != Dict {
		panic("bencode: DictFind called on non-dict entry, kind " + e.kind.String())
	}
	for _, p := range e.dict {
		if string(p.key) == bytesAsString(key) {
			return p.value
		}
	}
	return Entry{}
}

// DictFindString is DictFind for a string key literal.
func (e Entry) DictFindString(key string) Entry {
	return e.DictFind([]byte(key))
}

// DictKeyAt returns the raw key bytes of the i'th dict entry, in insertion
// order.
func (e Entry) DictKeyAt(i int) []byte {
	if e.kind != Dict {
		panic("bencode: DictKeyAt called on non-dict entry, kind " + e.kind.String())
	}
	return e.dict[i].key
}

// DictValueAt returns the value of the i'th dict entry, in insertion order.
func (e Entry) DictValueAt(i int) Entry {
	if e.kind != Dict {
		panic("bencode: DictValueAt called on non-dict entry, kind " + e.kind.String())
	}
	return e.dict[i].value
}
