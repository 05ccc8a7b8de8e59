package stages_test

import (
	"errors"
	"testing"

	"propline/internal/domain"
	"propline/internal/stages"
)

func TestCatalogOrdinalsContiguous(t *testing.T) {
	all := stages.All()
	if len(all) != stages.Count {
		t.Fatalf("expected %d stages, got %d", stages.Count, len(all))
	}
	for i, def := range all {
		if def.Ordinal != i+1 {
			t.Fatalf("stage %d has ordinal %d", i+1, def.Ordinal)
		}
		if def.Name == "" || def.AuthorizingRole == "" {
			t.Fatalf("stage %d incomplete: %+v", def.Ordinal, def)
		}
	}
}

func TestStageAtOutOfRange(t *testing.T) {
	for _, ordinal := range []int{0, -1, 11} {
		if _, err := stages.StageAt(ordinal); !errors.Is(err, stages.ErrNotFound) {
			t.Fatalf("ordinal %d: expected ErrNotFound, got %v", ordinal, err)
		}
	}
}

func TestAuthorizedRole(t *testing.T) {
	role, err := stages.AuthorizedRole(1)
	if err != nil {
		t.Fatal(err)
	}
	if role != domain.RoleCollegeCommittee {
		t.Fatalf("stage 1 role = %s", role)
	}
	role, err = stages.AuthorizedRole(6)
	if err != nil {
		t.Fatal(err)
	}
	if role != domain.RolePresident {
		t.Fatalf("stage 6 role = %s", role)
	}
}

func TestImplementationBoundary(t *testing.T) {
	for ordinal := 1; ordinal <= stages.Count; ordinal++ {
		want := ordinal == 8
		if got := stages.IsImplementationBoundary(ordinal); got != want {
			t.Fatalf("ordinal %d: boundary=%v", ordinal, got)
		}
	}
}
