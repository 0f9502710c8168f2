package escrow

import (
	"sort"
	"sync"

	"github.com/inaiurai/escrow/internal/models"
)

// Roles is the initial role assignment. Admin is fixed for the life of the instance.
type Roles struct {
	Admin     models.Address   `json:"admin"`
	Resolvers []models.Address `json:"resolvers"`
	Oracles   []models.Address `json:"oracles"`
	Verifiers []models.Address `json:"verifiers"`
}

type roleSet struct {
	mu      sync.RWMutex
	admin   models.Address
	members map[string]map[models.Address]struct{}
}

func newRoleSet(r Roles) *roleSet {
	rs := &roleSet{
		admin: r.Admin,
		members: map[string]map[models.Address]struct{}{
			models.RoleResolver: {},
			models.RoleOracle:   {},
			models.RoleVerifier: {},
		},
	}
	for role, addrs := range map[string][]models.Address{
		models.RoleResolver: r.Resolvers,
		models.RoleOracle:   r.Oracles,
		models.RoleVerifier: r.Verifiers,
	} {
		for _, a := range addrs {
			if !a.IsZero() {
				rs.members[role][a] = struct{}{}
			}
		}
	}
	return rs
}

func (rs *roleSet) has(role string, addr models.Address) bool {
	if addr.IsZero() {
		return false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if role == models.RoleAdmin {
		return addr == rs.admin
	}
	_, ok := rs.members[role][addr]
	return ok
}

// set adds or removes addr and reports whether membership changed.
func (rs *roleSet) set(role string, addr models.Address, member bool) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_, had := rs.members[role][addr]
	if member {
		rs.members[role][addr] = struct{}{}
	} else {
		delete(rs.members[role], addr)
	}
	return had != member
}

func (rs *roleSet) snapshot() Roles {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	list := func(role string) []models.Address {
		out := make([]models.Address, 0, len(rs.members[role]))
		for a := range rs.members[role] {
			out = append(out, a)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	}
	return Roles{
		Admin:     rs.admin,
		Resolvers: list(models.RoleResolver),
		Oracles:   list(models.RoleOracle),
		Verifiers: list(models.RoleVerifier),
	}
}
