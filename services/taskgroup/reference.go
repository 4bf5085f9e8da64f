package taskgroup

import (
	"strings"

	"github.com/upb/llm-echelon/services"
)

// Reference addresses a task group and optionally one of its echelons
type Reference struct {
	Group   string `json:"group"`
	Echelon string `json:"echelon"`
}

// String renders the reference in "group" or "group.echelon" form
func (r Reference) String() string {
	if r.Echelon == "" {
		return r.Group
	}
	return r.Group + "." + r.Echelon
}

// ParseGroupReference splits "group" or "group.echelon". Any other arity,
// or an empty segment, is not a reference.
func ParseGroupReference(ref string) (Reference, bool) {
	parts := strings.Split(ref, ".")
	for _, p := range parts {
		if p == "" {
			return Reference{}, false
		}
	}
	switch len(parts) {
	case 1:
		return Reference{Group: parts[0]}, true
	case 2:
		return Reference{Group: parts[0], Echelon: parts[1]}, true
	}
	return Reference{}, false
}

// ParseReference is ParseGroupReference returning ErrInvalidReference
func ParseReference(ref string) (Reference, error) {
	r, ok := ParseGroupReference(ref)
	if !ok {
		return Reference{}, services.Newf(services.ErrInvalidReference, "invalid group reference %q: expected \"group\" or \"group.echelon\"", ref).
			WithDetail("reference", ref)
	}
	return r, nil
}
