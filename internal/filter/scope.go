package filter

import (
	"fmt"
	"strings"
)

// IPVersion selects the address family a scope classifies.
type IPVersion uint8

const (
	IPv4 IPVersion = 4
	IPv6 IPVersion = 6
)

func (v IPVersion) String() string {
	switch v {
	case IPv4:
		return "v4"
	case IPv6:
		return "v6"
	default:
		return fmt.Sprintf("v%d", uint8(v))
	}
}

// Valid reports whether v is IPv4 or IPv6.
func (v IPVersion) Valid() bool {
	return v == IPv4 || v == IPv6
}

// ParseIPVersion accepts "v4", "4", "ipv4" and the v6 equivalents.
func ParseIPVersion(s string) (IPVersion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "v4", "4", "ipv4", "ip4":
		return IPv4, nil
	case "v6", "6", "ipv6", "ip6":
		return IPv6, nil
	}
	return 0, fmt.Errorf("%w: unknown IP version %q", ErrInvalidScope, s)
}

// Scope is the unit over which a rule table, a match cache and a storage
// tier are maintained: one IP version crossed with one logical table.
type Scope struct {
	IP    IPVersion `json:"ip"`
	Table string    `json:"table"`
}

// String renders the scope as "v4/lan".
func (s Scope) String() string {
	return s.IP.String() + "/" + s.Table
}

// Validate checks that the scope names a known IP version and a table.
func (s Scope) Validate() error {
	if !s.IP.Valid() {
		return fmt.Errorf("%w: unsupported IP version %d", ErrInvalidScope, s.IP)
	}
	if s.Table == "" {
		return fmt.Errorf("%w: empty table name", ErrInvalidScope)
	}
	return nil
}

// ParseScope parses the "v4/lan" form produced by Scope.String.
func ParseScope(s string) (Scope, error) {
	ip, table, ok := strings.Cut(s, "/")
	if !ok {
		return Scope{}, fmt.Errorf("%w: %q is not of the form <ip>/<table>", ErrInvalidScope, s)
	}
	v, err := ParseIPVersion(ip)
	if err != nil {
		return Scope{}, err
	}
	sc := Scope{IP: v, Table: table}
	return sc, sc.Validate()
}
