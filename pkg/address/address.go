// Package address formats the request targets used to reach the query
// endpoints of another mirror instance.
//
// Every target has the shape
//
//	<scheme>://<prefix><address>/<path>/<suffix>
//
// where prefix and path are configured per deployment and address is the
// member address as published in the routing table, whatever form it has.
package address

import (
	"cmp"
	"net/url"
	"strings"
)

// DefaultScheme is used when Host.Scheme is empty.
const DefaultScheme = "http"

// Host identifies the query endpoints of one member.
type Host struct {
	Scheme  string
	Prefix  string
	Address string
	Path    string
}

// New returns the Host of address with the deployment prefix and path.
func New(address, prefix, path string) Host {
	return Host{Address: address, Prefix: prefix, Path: path}
}

// WithScheme returns a copy of h using scheme.
func (h Host) WithScheme(scheme string) Host {
	h.Scheme = scheme
	return h
}

// Base returns <scheme>://<prefix><address>/<path> without a trailing slash.
func (h Host) Base() string {
	var sb strings.Builder
	sb.WriteString(cmp.Or(h.Scheme, DefaultScheme))
	sb.WriteString("://")
	sb.WriteString(h.Prefix)
	sb.WriteString(h.Address)
	if p := strings.Trim(h.Path, "/"); p != "" {
		sb.WriteByte('/')
		sb.WriteString(p)
	}
	return sb.String()
}

func (h Host) target(suffix string) string {
	return h.Base() + "/" + suffix
}

// Key targets the point lookup of key.
func (h Host) Key(key string) string {
	return h.target(url.PathEscape(key))
}

// Keys targets the batch lookup of ids.
func (h Host) Keys(ids []string) string {
	escaped := make([]string, len(ids))
	for i, id := range ids {
		escaped[i] = url.QueryEscape(id)
	}
	return h.target("keys?ids=" + strings.Join(escaped, ","))
}

// All targets the full scan of the member's local partitions.
func (h Host) All() string {
	return h.Base()
}

// Range targets the range scan of key between from and to.
func (h Host) Range(key, from, to string) string {
	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)
	return h.target("range/" + url.PathEscape(key) + "?" + q.Encode())
}

func (h Host) String() string {
	return h.Base()
}
