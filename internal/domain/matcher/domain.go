// Package matcher implements the primitive matching rules the policy engine
// composes: hostname patterns, IP/CIDR ranges, and port ranges.
package matcher

import (
	"path"
	"strings"
)

// DomainKind tags a classified pattern so matching dispatches on a
// compile-time-exhaustive switch instead of re-sniffing the pattern string
// on every evaluation.
type DomainKind int

const (
	// KindExactOrSubdomain matches the pattern itself or any subdomain of it.
	KindExactOrSubdomain DomainKind = iota
	// KindLeadingDot matches any subdomain of the base, and the bare base.
	// Produced by patterns starting with "." or "*.".
	KindLeadingDot
	// KindContains matches any hostname containing the interior substring.
	// Produced by patterns of the form "*x*".
	KindContains
	// KindPrefix matches hostnames starting with the given prefix.
	// Produced by patterns of the form "x*".
	KindPrefix
	// KindSuffix matches hostnames ending with the given suffix.
	// Produced by patterns of the form "*x".
	KindSuffix
	// KindGlob falls back to standard '*'/'?' glob semantics.
	KindGlob
)

// DomainPattern is a classified, ready-to-evaluate hostname pattern.
type DomainPattern struct {
	Kind DomainKind
	// Base is the comparison string once wildcard markers are stripped:
	// the bare domain for Exact/LeadingDot, the interior for Contains, the
	// literal prefix/suffix for Prefix/Suffix, and the original glob for Glob.
	Base string
	// Raw is the original pattern, kept for logging and reason strings.
	Raw string
}

// ClassifyDomainPattern inspects a lower-cased, trimmed pattern once at
// ingest time and returns its tagged variant.
func ClassifyDomainPattern(pattern string) DomainPattern {
	raw := pattern
	p := strings.ToLower(strings.TrimSpace(pattern))

	switch {
	case strings.HasPrefix(p, "*."):
		return DomainPattern{Kind: KindLeadingDot, Base: strings.TrimPrefix(p, "*."), Raw: raw}
	case strings.HasPrefix(p, "."):
		return DomainPattern{Kind: KindLeadingDot, Base: strings.TrimPrefix(p, "."), Raw: raw}
	case strings.HasPrefix(p, "*") && strings.HasSuffix(p, "*") && len(p) > 2:
		return DomainPattern{Kind: KindContains, Base: p[1 : len(p)-1], Raw: raw}
	case strings.HasSuffix(p, "*") && !strings.Contains(p[:len(p)-1], "*"):
		return DomainPattern{Kind: KindPrefix, Base: strings.TrimSuffix(p, "*"), Raw: raw}
	case strings.HasPrefix(p, "*") && !strings.Contains(p[1:], "*"):
		return DomainPattern{Kind: KindSuffix, Base: strings.TrimPrefix(p, "*"), Raw: raw}
	case strings.ContainsAny(p, "*?"):
		return DomainPattern{Kind: KindGlob, Base: p, Raw: raw}
	default:
		return DomainPattern{Kind: KindExactOrSubdomain, Base: p, Raw: raw}
	}
}

// IsWildcard reports whether the pattern is anything other than a plain
// exact-or-subdomain match, mirroring BlockedDomain.is_wildcard.
func (p DomainPattern) IsWildcard() bool {
	return p.Kind != KindExactOrSubdomain
}

// MatchDomain reports whether hostname (already lower-cased, port stripped)
// matches pattern. Never panics; invalid glob syntax simply fails to match.
func MatchDomain(hostname string, pattern DomainPattern) bool {
	h := strings.ToLower(hostname)

	switch pattern.Kind {
	case KindExactOrSubdomain:
		return h == pattern.Base || strings.HasSuffix(h, "."+pattern.Base)
	case KindLeadingDot:
		return h == pattern.Base || strings.HasSuffix(h, "."+pattern.Base)
	case KindContains:
		return strings.Contains(h, pattern.Base)
	case KindPrefix:
		return strings.HasPrefix(h, pattern.Base)
	case KindSuffix:
		return strings.HasSuffix(h, pattern.Base)
	case KindGlob:
		ok, err := path.Match(pattern.Base, h)
		return err == nil && ok
	default:
		return false
	}
}
