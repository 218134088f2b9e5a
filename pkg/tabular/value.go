package tabular

import (
	"strconv"
	"strings"
	"time"
)

// Kind discriminates the scalar cell kinds a source file can carry.
// Coercion happens once, at decode time; everything downstream works with
// resolved values instead of raw text.
type Kind int

const (
	KindEmpty Kind = iota
	KindString
	KindNumber
	KindDate
)

// Value is a tagged union over the scalar kinds.
type Value struct {
	kind Kind
	str  string
	num  float64
	date time.Time
}

func Empty() Value {
	return Value{kind: KindEmpty}
}

func String(s string) Value {
	s = strings.TrimSpace(s)
	if s == "" {
		return Empty()
	}
	return Value{kind: KindString, str: s}
}

func Number(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

func Date(t time.Time) Value {
	return Value{kind: KindDate, date: t}
}

func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) IsEmpty() bool {
	return v.kind == KindEmpty
}

// Text renders the canonical textual form of the value.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindDate:
		return v.date.Format("2006-01-02")
	default:
		return ""
	}
}

func (v Value) Float64() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

func (v Value) Time() (time.Time, bool) {
	if v.kind != KindDate {
		return time.Time{}, false
	}
	return v.date, true
}

// Row maps a raw source header to the cell value under it.
type Row map[string]Value
