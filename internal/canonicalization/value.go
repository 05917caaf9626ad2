// Package canonicalization provides deterministic structural normalization
// and SHA-256 fingerprinting for nested request/config values.
//
// Fingerprints are the identity of provider requests, ingestion configs, and
// cache keys: equal logical values MUST yield equal fingerprints regardless
// of map-key insertion order or set-member ordering. The package models
// arbitrary nested data as a tagged-variant Value sum type with an explicit,
// total normalization into canonical JSON (sorted keys, no insignificant
// whitespace, ASCII-safe escaping), then hashes the encoding.
//
// Key functions:
//   - Fingerprint: canonical SHA-256 hex digest of a Value
//   - GenerateIngestRunID: deterministic run identifier from a UTC timestamp
package canonicalization

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

// Value variants. Set differs from List only in normalization: set members
// are sorted by their own canonical encoding, list order is preserved.
const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindTime
	KindDate
	KindList
	KindSet
	KindMap
)

// Value is a tagged union over the shapes a request/config value can take.
// Construct values with the typed constructors below; the zero Value is Null.
type Value struct {
	kind    ValueKind
	boolVal bool
	numVal  float64
	strVal  string
	timeVal time.Time
	list    []Value
	entries map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(v bool) Value { return Value{kind: KindBool, boolVal: v} }

// Number wraps a float64. NaN and infinities are rejected at encode time.
func Number(v float64) Value { return Value{kind: KindNumber, numVal: v} }

// Int wraps an integer as a Number.
func Int(v int) Value { return Number(float64(v)) }

// String wraps a string.
func String(v string) Value { return Value{kind: KindString, strVal: v} }

// Time wraps an instant; it normalizes to an RFC 3339 string in its
// original offset, matching ISO-8601 serialization of aware timestamps.
func Time(v time.Time) Value { return Value{kind: KindTime, timeVal: v} }

// Date wraps a calendar date; it normalizes to YYYY-MM-DD.
func Date(v time.Time) Value { return Value{kind: KindDate, timeVal: v} }

// List wraps an ordered sequence; element order is significant.
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Set wraps an unordered collection; members are sorted by their canonical
// encoding during normalization, so construction order never matters.
func Set(items ...Value) Value { return Value{kind: KindSet, list: items} }

// Map wraps a string-keyed mapping; keys are sorted during normalization.
func Map(entries map[string]Value) Value { return Value{kind: KindMap, entries: entries} }

// Kind reports the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// Encode writes the canonical JSON encoding of the value: sorted map keys,
// sorted set members, no insignificant whitespace, ASCII-safe escaping.
func (v Value) Encode() (string, error) {
	var sb strings.Builder
	if err := v.encode(&sb); err != nil {
		return "", err
	}

	return sb.String(), nil
}

func (v Value) encode(sb *strings.Builder) error {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.boolVal))
	case KindNumber:
		return encodeNumber(sb, v.numVal)
	case KindString:
		encodeString(sb, v.strVal)
	case KindTime:
		encodeString(sb, v.timeVal.Format(time.RFC3339Nano))
	case KindDate:
		encodeString(sb, v.timeVal.Format("2006-01-02"))
	case KindList:
		return encodeList(sb, v.list)
	case KindSet:
		return encodeSet(sb, v.list)
	case KindMap:
		return encodeMap(sb, v.entries)
	default:
		return fmt.Errorf("unknown value kind: %d", v.kind)
	}

	return nil
}

func encodeNumber(sb *strings.Builder, num float64) error {
	if math.IsNaN(num) || math.IsInf(num, 0) {
		return fmt.Errorf("number must be finite, got %v", num)
	}

	// Integral floats encode without a fractional part so that logically
	// equal numbers share one canonical form.
	if num == math.Trunc(num) && math.Abs(num) < 1e15 {
		sb.WriteString(strconv.FormatInt(int64(num), 10))
		return nil
	}

	sb.WriteString(strconv.FormatFloat(num, 'g', -1, 64))

	return nil
}

// encodeString writes a JSON string with ASCII-safe escaping: control
// characters and all non-ASCII runes become \uXXXX sequences.
func encodeString(sb *strings.Builder, s string) {
	sb.WriteByte('"')

	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 || r > 0x7e {
				if r > 0xffff {
					r1, r2 := utf16Pair(r)
					fmt.Fprintf(sb, `\u%04x\u%04x`, r1, r2)
				} else {
					fmt.Fprintf(sb, `\u%04x`, r)
				}
			} else {
				sb.WriteRune(r)
			}
		}
	}

	sb.WriteByte('"')
}

func utf16Pair(r rune) (rune, rune) {
	r -= 0x10000

	return 0xd800 + (r >> 10), 0xdc00 + (r & 0x3ff)
}

func encodeList(sb *strings.Builder, items []Value) error {
	sb.WriteByte('[')

	for i, item := range items {
		if i > 0 {
			sb.WriteByte(',')
		}
		if err := item.encode(sb); err != nil {
			return err
		}
	}

	sb.WriteByte(']')

	return nil
}

func encodeSet(sb *strings.Builder, items []Value) error {
	encoded := make([]string, len(items))

	for i, item := range items {
		enc, err := item.Encode()
		if err != nil {
			return err
		}
		encoded[i] = enc
	}

	// Members sort by their own canonical encoding, making the set encoding
	// independent of construction order.
	sort.Strings(encoded)

	sb.WriteByte('[')
	for i, enc := range encoded {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(enc)
	}
	sb.WriteByte(']')

	return nil
}

func encodeMap(sb *strings.Builder, entries map[string]Value) error {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sb.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		encodeString(sb, key)
		sb.WriteByte(':')
		if err := entries[key].encode(sb); err != nil {
			return err
		}
	}
	sb.WriteByte('}')

	return nil
}
