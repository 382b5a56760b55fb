package memory

import (
	"fmt"
	"strings"
)

// URNScheme is the scheme of every subcog resource name.
const URNScheme = "subcog"

// Wildcard is the URN segment matching any domain or namespace.
const Wildcard = "_"

// URNRef is the structured form of a parsed URN. Namespace is kept as a raw
// string so reserved pseudo-namespace segments ("_", "_prompts", "memory",
// "search", "topics", "namespaces", "help") round-trip verbatim.
type URNRef struct {
	DomainSelector string // "project", "user", "org" or "_"
	Namespace      string
	ID             string
}

// String renders the reference back into URN form.
func (r URNRef) String() string {
	return fmt.Sprintf("%s://%s/%s/%s", URNScheme, r.DomainSelector, r.Namespace, r.ID)
}

// BuildURN constructs the canonical URN for a memory:
// subcog://{domain}/{namespace}/{id}. Every public-facing reference (logs,
// events, dedup results) uses this form rather than a bare id.
func BuildURN(m *Memory) string {
	return URNRef{
		DomainSelector: m.Domain.Selector(),
		Namespace:      string(m.Namespace),
		ID:             m.ID,
	}.String()
}

// BuildURNParts constructs a URN from loose parts, used where no full Memory
// is at hand (dedup match references).
func BuildURNParts(d Domain, ns Namespace, id string) string {
	return URNRef{DomainSelector: d.Selector(), Namespace: string(ns), ID: id}.String()
}

// ParseURN parses s into a structured reference. URIs whose scheme is not
// "subcog" are rejected. Domain selectors are validated; the namespace
// segment is preserved verbatim so pseudo-namespaces survive the round trip.
func ParseURN(s string) (URNRef, error) {
	rest, ok := strings.CutPrefix(s, URNScheme+"://")
	if !ok {
		return URNRef{}, &ValidationError{Field: "urn", Reason: fmt.Sprintf("not a %s URI: %q", URNScheme, s)}
	}

	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return URNRef{}, &ValidationError{Field: "urn", Reason: fmt.Sprintf("expected %s://{domain}/{namespace}/{id}, got %q", URNScheme, s)}
	}

	switch parts[0] {
	case "project", "user", "org", Wildcard:
	default:
		return URNRef{}, &ValidationError{Field: "urn", Reason: fmt.Sprintf("unknown domain selector %q", parts[0])}
	}

	return URNRef{DomainSelector: parts[0], Namespace: parts[1], ID: parts[2]}, nil
}

// DomainFromSelector maps a concrete URN domain selector back to a Domain.
// The wildcard selector has no concrete domain and returns an error; ids are
// resolved through the index in that case.
func DomainFromSelector(selector string) (Domain, error) {
	switch selector {
	case "project":
		return ProjectDomain(""), nil
	case "user":
		return UserDomain(), nil
	case "org":
		return OrgDomain(""), nil
	default:
		return Domain{}, &ValidationError{Field: "domain", Reason: fmt.Sprintf("selector %q does not name a concrete domain", selector)}
	}
}
