package stages

import (
	"errors"
	"fmt"

	"propline/internal/domain"
)

// Count is the number of pipeline stages every proposal passes through.
const Count = 10

// ImplementationBoundary is the ordinal at which progress reports become
// valid submissions.
const ImplementationBoundary = 8

// ErrNotFound is returned for lookups outside 1..Count.
var ErrNotFound = errors.New("stage not found")

// Definition is one immutable entry of the stage catalog.
type Definition struct {
	Ordinal         int         `json:"ordinal"`
	Name            string      `json:"name"`
	AuthorizingRole domain.Role `json:"authorizing_role"`
}

var catalog = [Count]Definition{
	{1, "College Endorsement", domain.RoleCollegeCommittee},
	{2, "R&D Division", domain.RoleRDDivision},
	{3, "Proposal Review", domain.RoleCenterManager},
	{4, "Ethics Review", domain.RoleEthicsBoard},
	{5, "OVPRDE", domain.RoleOVPRDE},
	{6, "President", domain.RolePresident},
	{7, "OSOURU", domain.RoleOSOURU},
	{8, "Implementation", domain.RoleOSOURU},
	{9, "Monitoring", domain.RoleOSOURU},
	{10, "For Completion", domain.RoleOVPRDE},
}

// StageAt returns the definition for an ordinal in 1..Count.
func StageAt(ordinal int) (Definition, error) {
	if ordinal < 1 || ordinal > Count {
		return Definition{}, fmt.Errorf("stage %d: %w", ordinal, ErrNotFound)
	}
	return catalog[ordinal-1], nil
}

// AuthorizedRole returns the role that may decide the given stage.
func AuthorizedRole(ordinal int) (domain.Role, error) {
	def, err := StageAt(ordinal)
	if err != nil {
		return "", err
	}
	return def.AuthorizingRole, nil
}

// IsImplementationBoundary reports whether the ordinal is the stage after
// which progress reports are accepted.
func IsImplementationBoundary(ordinal int) bool {
	return ordinal == ImplementationBoundary
}

// All returns the catalog in ordinal order.
func All() []Definition {
	out := make([]Definition, Count)
	copy(out, catalog[:])
	return out
}
