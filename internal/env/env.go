// Package env resolves worker environment overrides against the host
// environment.
package env

import (
	"os"
	"strings"
)

type Var map[string]string

// FromOS snapshots the current process environment.
func FromOS() Var {
	base := make(Var)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		base[k] = v
	}
	return base
}

// Resolve expands ${VAR} references in overrides. A reference resolves to
// another override when one exists, otherwise to the base environment; a
// key referring to itself sees its base value. Expansion is a single pass
// and unknown references are left as written. Empty keys are dropped.
func Resolve(base, overrides Var) Var {
	if len(overrides) == 0 {
		return overrides
	}
	out := make(Var, len(overrides))
	for k, v := range overrides {
		if k == "" {
			continue
		}
		out[k] = expand(v, func(name string) (string, bool) {
			if name != k {
				if o, ok := overrides[name]; ok {
					return o, true
				}
			}
			b, ok := base[name]
			return b, ok
		})
	}
	return out
}

func expand(s string, lookup func(string) (string, bool)) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := lookup(name); ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
