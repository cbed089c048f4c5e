// Package immutable provides copy-on-write map helpers used by every state
// holder in the gateway (node registry, circuit breakers, per-node active
// counters, the delegation table). Readers hold a map value they loaded
// once; a writer never mutates it in place, it builds a new map and swaps
// it in, so a concurrent reader never observes a partially-updated map —
// a node without its capability set, or a delegation without its counter.
package immutable

// With returns a new map containing every entry of m plus (k, v). m is
// left untouched.
func With[K comparable, V any](m map[K]V, k K, v V) map[K]V {
	out := make(map[K]V, len(m)+1)
	for ek, ev := range m {
		out[ek] = ev
	}
	out[k] = v
	return out
}

// Without returns a new map containing every entry of m except k. m is
// left untouched. If k is absent, the returned map is equivalent to m.
func Without[K comparable, V any](m map[K]V, k K) map[K]V {
	if _, ok := m[k]; !ok {
		out := make(map[K]V, len(m))
		for ek, ev := range m {
			out[ek] = ev
		}
		return out
	}
	out := make(map[K]V, len(m)-1)
	for ek, ev := range m {
		if ek == k {
			continue
		}
		out[ek] = ev
	}
	return out
}

// Clone returns a shallow copy of m.
func Clone[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
