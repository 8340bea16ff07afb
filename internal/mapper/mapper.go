// Package mapper canonicalizes node identities. Hostnames, FQDNs and IPv4
// literals all resolve to the single declared identity of the node.
package mapper

import (
	"net"
	"strings"

	"github.com/supvisors/supvisors/pkg/errors"
)

// Mapper resolves address literals against the declared node list. It is a
// pure lookup over a table fixed at construction.
type Mapper struct {
	declared []string
	aliases  map[string]string
}

// New builds a mapper from the declared node list, in priority order. Extra
// aliases (e.g. secondary IPs) may map more literals onto a declared node.
func New(declared []string, extraAliases map[string]string) *Mapper {
	m := &Mapper{
		declared: append([]string(nil), declared...),
		aliases:  make(map[string]string),
	}
	for _, address := range declared {
		m.aliases[normalize(address)] = address
		// A declared FQDN also answers to its short name.
		if short, ok := shortName(address); ok {
			if _, taken := m.aliases[short]; !taken {
				m.aliases[short] = address
			}
		}
	}
	for alias, address := range extraAliases {
		if _, ok := m.aliases[normalize(address)]; ok {
			m.aliases[normalize(alias)] = address
		}
	}
	return m
}

// Declared returns the node identities in declaration order.
func (m *Mapper) Declared() []string {
	return append([]string(nil), m.declared...)
}

// Valid reports whether the literal resolves to a declared node.
func (m *Mapper) Valid(literal string) bool {
	_, err := m.Resolve(literal)
	return err == nil
}

// Resolve canonicalizes an address literal. Unknown literals are rejected
// with BAD_ADDRESS.
func (m *Mapper) Resolve(literal string) (string, error) {
	key := normalize(literal)
	if address, ok := m.aliases[key]; ok {
		return address, nil
	}
	// An IPv4 literal may carry a redundant port; retry on the host part.
	if host, _, err := net.SplitHostPort(literal); err == nil {
		if address, ok := m.aliases[normalize(host)]; ok {
			return address, nil
		}
	}
	if short, ok := shortName(literal); ok {
		if address, ok := m.aliases[short]; ok {
			return address, nil
		}
	}
	return "", errors.Newf(errors.ErrCodeBadAddress, "unknown address %q", literal).
		WithComponent("mapper")
}

func normalize(literal string) string {
	return strings.ToLower(strings.TrimSpace(literal))
}

// shortName returns the first label of a dotted hostname. IP literals have
// no short form.
func shortName(literal string) (string, bool) {
	normalized := normalize(literal)
	if net.ParseIP(normalized) != nil {
		return "", false
	}
	if i := strings.IndexByte(normalized, '.'); i > 0 {
		return normalized[:i], true
	}
	return "", false
}
