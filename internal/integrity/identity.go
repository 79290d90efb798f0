package integrity

import (
	"net"
	"strings"
)

// DomainIdentity is the anonymised identity of a deployment.
type DomainIdentity struct {
	// Slug is the canonical domain, e.g. "example-com".
	Slug string `json:"domain"`
	// LookupKey is the digest of Slug used to address the remote record.
	LookupKey string `json:"lookup_key"`
}

// ResolveIdentity derives the domain identity from a Host header value.
func ResolveIdentity(host string) DomainIdentity {
	slug := DomainSlug(host)
	return DomainIdentity{Slug: slug, LookupKey: md5Hex(slug)}
}

// DomainSlug strips any port and a leading "www.", lower-cases the rest and
// replaces dots with dashes.
func DomainSlug(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if len(host) >= 4 && strings.EqualFold(host[:4], "www.") {
		host = host[4:]
	}
	return strings.TrimSpace(strings.ReplaceAll(strings.ToLower(host), ".", "-"))
}
