package models

import "strings"

// Address identifies a participant (payer, payee, resolver, oracle, verifier) or a
// system account such as the custody or fee recipient address.
type Address string

// NormalizeAddress trims and lowercases a raw address so comparisons are case-insensitive.
func NormalizeAddress(raw string) Address {
	return Address(strings.ToLower(strings.TrimSpace(raw)))
}

func (a Address) IsZero() bool { return a == "" }

func (a Address) String() string { return string(a) }

// Roles recognised by the escrow core.
const (
	RoleAdmin    = "admin"
	RoleResolver = "resolver"
	RoleOracle   = "oracle"
	RoleVerifier = "verifier"
)

// ValidRole reports whether role can be granted through the admin API.
func ValidRole(role string) bool {
	switch role {
	case RoleResolver, RoleOracle, RoleVerifier:
		return true
	}
	return false
}
