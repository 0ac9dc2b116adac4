package format

import (
	"slices"
	"strings"

	twmerge "github.com/Oudwins/tailwind-merge-go"
)

// Cond is a class that is only kept when When is true.
type Cond struct {
	Class string
	When  bool
}

// If is shorthand for Cond{Class: class, When: when}.
func If(when bool, class string) Cond {
	return Cond{Class: class, When: when}
}

// Cn composes class names. Inputs may be strings, Cond values, slices of
// either (nested to any depth) or map[string]bool. Falsy entries are dropped,
// then conflicting Tailwind utilities are resolved with the last one winning.
// Order of non-conflicting classes is kept.
func Cn(inputs ...any) string {
	var parts []string
	for _, in := range inputs {
		parts = appendClasses(parts, in)
	}
	if len(parts) == 0 {
		return ""
	}
	return inInputOrder(parts, twmerge.Merge(strings.Join(parts, " ")))
}

// inInputOrder keeps the classes twmerge let through, in the order they were
// given. twmerge does not preserve order. A repeated class is placed at its
// last occurrence.
func inInputOrder(parts []string, merged string) string {
	kept := make(map[string]bool)
	for _, c := range strings.Fields(merged) {
		kept[c] = true
	}
	last := make(map[string]int, len(parts))
	for i, c := range parts {
		last[c] = i
	}
	out := make([]string, 0, len(kept))
	for i, c := range parts {
		if kept[c] && last[c] == i {
			out = append(out, c)
		}
	}
	return strings.Join(out, " ")
}

func appendClasses(parts []string, in any) []string {
	switch v := in.(type) {
	case nil:
	case string:
		if f := strings.Fields(v); len(f) > 0 {
			parts = append(parts, f...)
		}
	case Cond:
		if v.When {
			parts = appendClasses(parts, v.Class)
		}
	case []string:
		for _, s := range v {
			parts = appendClasses(parts, s)
		}
	case []Cond:
		for _, c := range v {
			parts = appendClasses(parts, c)
		}
	case []any:
		for _, e := range v {
			parts = appendClasses(parts, e)
		}
	case map[string]bool:
		// map order is random; sort for a stable result
		keys := make([]string, 0, len(v))
		for k, on := range v {
			if on {
				keys = append(keys, k)
			}
		}
		slices.Sort(keys)
		for _, k := range keys {
			parts = appendClasses(parts, k)
		}
	}
	return parts
}
