package nfiq2

import (
	"errors"
	"fmt"
	"unicode/utf8"
	"unsafe"
)

// maxTableLen bounds a table count before any native memory is read. NFIQ2
// reports a few dozen features; anything near this is a corrupt block.
const maxTableLen = 4096

const defaultMaxNameLen = 256

var (
	errNilArray    = errors.New("table has entries but a nil array")
	errTableTooBig = errors.New("table count exceeds limit")
)

// NamedValue is an owned (name, value) pair copied out of a native table.
type NamedValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Result is a fully owned scoring result.
type Result struct {
	Score      uint32       `json:"score"`
	Actionable []NamedValue `json:"actionable"`
	Features   []NamedValue `json:"features"`
}

// ActionableValue looks up an actionable feedback entry by name.
func (r *Result) ActionableValue(name string) (float64, bool) {
	return lookup(r.Actionable, name)
}

// FeatureValue looks up a native quality measure by name.
func (r *Result) FeatureValue(name string) (float64, bool) {
	return lookup(r.Features, name)
}

func lookup(values []NamedValue, name string) (float64, bool) {
	for _, v := range values {
		if v.Name == name {
			return v.Value, true
		}
	}
	return 0, false
}

// collect copies both tables of raw into Go memory. It never frees raw; the
// caller owns that and must do it on every path.
func collect(raw *RawResults, maxNameLen int) (actionable, features []NamedValue, err error) {
	actionable, err = collectTable(raw.Actionable, maxNameLen)
	if err != nil {
		return nil, nil, fmt.Errorf("actionable: %w", err)
	}
	features, err = collectTable(raw.Features, maxNameLen)
	if err != nil {
		return nil, nil, fmt.Errorf("features: %w", err)
	}
	return actionable, features, nil
}

func collectTable(t RawTable, maxNameLen int) ([]NamedValue, error) {
	if t.Count == 0 {
		return []NamedValue{}, nil
	}
	if t.Count > maxTableLen {
		return nil, errTableTooBig
	}
	if t.IDs == nil || t.Values == nil {
		return nil, errNilArray
	}

	n := int(t.Count)
	ids := unsafe.Slice((*unsafe.Pointer)(t.IDs), n)
	vals := unsafe.Slice((*float64)(t.Values), n)

	out := make([]NamedValue, 0, n)
	for i := 0; i < n; i++ {
		name, err := copyCString(ids[i], maxNameLen)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, NamedValue{Name: name, Value: vals[i]})
	}
	return out, nil
}

// copyCString copies a NUL-terminated UTF-8 string of at most max bytes
// into a Go string.
func copyCString(p unsafe.Pointer, max int) (string, error) {
	if p == nil {
		return "", errors.New("nil name")
	}
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
		if n > max {
			return "", fmt.Errorf("name longer than %d bytes", max)
		}
	}
	b := unsafe.Slice((*byte)(p), n)
	if !utf8.Valid(b) {
		return "", errors.New("name is not valid UTF-8")
	}
	return string(b), nil
}
