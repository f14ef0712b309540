package linkage

import (
	"errors"
	"fmt"
	"strings"
)

// Link ties an internal object to one external system's entity. It is a
// free-form nested map so that identifying keys (project, issue, commit, ...)
// coming from different code paths compare structurally, not by Go type.
// Keys starting with "_" are private bookkeeping (import/export snapshots)
// and never participate in identity matching.
type Link map[string]any

// ServerRef identifies one configured external server instance.
type ServerRef struct {
	ID   int64
	Type string
}

var (
	ErrNoParentLink    = errors.New("parent object has no link to server")
	ErrConflictingLink = errors.New("conflicting external link for server")
)

// New builds a bare link for a server, merging in any extra identifying keys.
func New(server ServerRef, extra Link) Link {
	lk := Link{
		"type":      server.Type,
		"server_id": server.ID,
	}
	for k, v := range extra {
		lk[k] = v
	}
	return lk
}

// Extend derives a child link from a parent object's existing link to the
// same server, so ancestry keys (project id etc.) stay consistent without
// being re-derived. A missing parent link is a programming error, not a
// recoverable condition.
func Extend(server ServerRef, parentLinks []Link, extra Link) (Link, error) {
	parent := Find(parentLinks, server, nil)
	if parent == nil {
		return nil, fmt.Errorf("%w (server_id=%d)", ErrNoParentLink, server.ID)
	}
	lk := Link{}
	for k, v := range parent {
		if strings.HasPrefix(k, "_") {
			continue
		}
		lk[k] = deepCopyValue(v)
	}
	for k, v := range extra {
		lk[k] = v
	}
	return lk, nil
}

// Attach adds a link to an object's link list. If the object is already
// linked to the same server and the existing link matches, the existing one
// is returned unchanged; a non-matching existing link is a conflict.
func Attach(links *[]Link, lk Link) (Link, error) {
	for _, existing := range *links {
		if ServerID(existing) != ServerID(lk) {
			continue
		}
		if Match(existing, lk) {
			return existing, nil
		}
		return nil, fmt.Errorf("%w (server_id=%d)", ErrConflictingLink, ServerID(lk))
	}
	*links = append(*links, lk)
	return lk, nil
}

// Find returns the object's link to the given server, or nil. When props is
// given the link must also structurally match those fields.
func Find(links []Link, server ServerRef, props Link) Link {
	for _, lk := range links {
		if ServerID(lk) != server.ID {
			continue
		}
		if props != nil && !Match(lk, props) {
			return nil
		}
		return lk
	}
	return nil
}

// Remove drops the object's link to the given server, if any.
func Remove(links *[]Link, server ServerRef) {
	out := (*links)[:0]
	for _, lk := range *links {
		if ServerID(lk) != server.ID {
			out = append(out, lk)
		}
	}
	*links = out
}

// Count returns the number of links on an object.
func Count(links []Link) int {
	return len(links)
}

// ServerID reads the server_id key, tolerating json-decoded numbers.
func ServerID(lk Link) int64 {
	return AsInt(lk["server_id"])
}

// Match reports whether candidate structurally contains probe, with the
// same semantics the storage layer's jsonb containment applies: every
// non-private key of probe must be present in candidate (recursively for
// nested maps), probe arrays must be subsets of candidate arrays. Extra keys
// on candidate never break a match, so a stored link carrying private
// bookkeeping still matches a freshly constructed probe.
func Match(candidate, probe Link) bool {
	return containsMap(map[string]any(candidate), map[string]any(probe))
}

func containsMap(candidate, probe map[string]any) bool {
	for k, pv := range probe {
		if strings.HasPrefix(k, "_") {
			continue
		}
		cv, ok := candidate[k]
		if !ok {
			return false
		}
		if !containsValue(cv, pv) {
			return false
		}
	}
	return true
}

func containsValue(candidate, probe any) bool {
	if pm, ok := asMap(probe); ok {
		cm, ok := asMap(candidate)
		if !ok {
			return false
		}
		return containsMap(cm, pm)
	}
	if pf, pok := asFloat(probe); pok {
		cf, cok := asFloat(candidate)
		return cok && cf == pf
	}
	if ps, ok := asAnySlice(probe); ok {
		cs, ok := asAnySlice(candidate)
		if !ok {
			return false
		}
		for _, pe := range ps {
			found := false
			for _, ce := range cs {
				if containsValue(ce, pe) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
	if _, ok := asAnySlice(candidate); ok {
		return false
	}
	return candidate == probe
}

func asAnySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Link:
		return map[string]any(m), true
	}
	return nil, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}

// AsInt converts a json-decoded number (or native int) to int64, 0 if absent.
func AsInt(v any) int64 {
	f, ok := asFloat(v)
	if !ok {
		return 0
	}
	return int64(f)
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopyValue(e)
		}
		return out
	case Link:
		out := make(Link, len(t))
		for k, e := range t {
			out[k] = deepCopyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// Copy returns a deep copy of the link.
func (lk Link) Copy() Link {
	if lk == nil {
		return nil
	}
	return deepCopyValue(lk).(Link)
}

// ImportSnapshot returns the link's last-imported field snapshot, creating
// it on first use.
func ImportSnapshot(lk Link) map[string]any {
	return snapshot(lk, "_import")
}

// ExportSnapshot returns the link's last-exported field snapshot, creating
// it on first use.
func ExportSnapshot(lk Link) map[string]any {
	return snapshot(lk, "_export")
}

func snapshot(lk Link, key string) map[string]any {
	if m, ok := asMap(lk[key]); ok {
		return m
	}
	m := map[string]any{}
	lk[key] = m
	return m
}

// Identity returns the link with private bookkeeping stripped: the keys that
// identify the external entity, nothing else. Two observations of the same
// entity produce equal identities no matter what snapshots they carry.
func Identity(lk Link) Link {
	out := Link{}
	for k, v := range lk {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = deepCopyValue(v)
	}
	return out
}

// PeekSnapshot reads a snapshot value without creating the snapshot map, so
// probing for "was this field imported before" leaves the link untouched.
func PeekSnapshot(lk Link, key, path string) any {
	m, ok := asMap(lk[key])
	if !ok {
		return nil
	}
	return m[path]
}
