package domain_test

import (
	"testing"

	"github.com/forge-db/forge/internal/domain"
)

func TestInvalidates_TableMode_AnyChangeToTrackedTableInvalidates(t *testing.T) {
	rs := domain.NewReadSet()
	rs.Tables["jobs"] = struct{}{}

	if !rs.Invalidates("jobs", "row-1", domain.ChangeUpdate) {
		t.Error("table-mode read set should invalidate on any change to a tracked table")
	}
}

func TestInvalidates_UntrackedTable_NeverInvalidates(t *testing.T) {
	rs := domain.NewReadSet()
	rs.Tables["jobs"] = struct{}{}

	if rs.Invalidates("workflow_runs", "row-1", domain.ChangeUpdate) {
		t.Error("a change to an untracked table should never invalidate")
	}
}

func TestInvalidates_RowMode_InsertAlwaysInvalidatesEvenUntracked(t *testing.T) {
	rs := domain.ReadSet{
		Tables: map[string]struct{}{"jobs": {}},
		Rows:   map[string]map[string]struct{}{"jobs": {"row-1": {}}},
		Mode:   domain.ReadSetRow,
	}

	if !rs.Invalidates("jobs", "row-9999-never-seen", domain.ChangeInsert) {
		t.Error("INSERT should always invalidate in row mode: a new row can't be pre-tracked")
	}
}

func TestInvalidates_RowMode_UpdateToTrackedRowInvalidates(t *testing.T) {
	rs := domain.ReadSet{
		Tables: map[string]struct{}{"jobs": {}},
		Rows:   map[string]map[string]struct{}{"jobs": {"row-1": {}}},
		Mode:   domain.ReadSetRow,
	}

	if !rs.Invalidates("jobs", "row-1", domain.ChangeUpdate) {
		t.Error("UPDATE to a tracked row should invalidate")
	}
}

func TestInvalidates_RowMode_UpdateToUntrackedRowDoesNotInvalidate(t *testing.T) {
	rs := domain.ReadSet{
		Tables: map[string]struct{}{"jobs": {}},
		Rows:   map[string]map[string]struct{}{"jobs": {"row-1": {}}},
		Mode:   domain.ReadSetRow,
	}

	if rs.Invalidates("jobs", "row-2", domain.ChangeUpdate) {
		t.Error("UPDATE to an untracked row should not invalidate when row-level info is present")
	}
}

func TestInvalidates_RowMode_NoRowInfoForTable_IsConservative(t *testing.T) {
	rs := domain.ReadSet{
		Tables: map[string]struct{}{"jobs": {}},
		Rows:   map[string]map[string]struct{}{},
		Mode:   domain.ReadSetRow,
	}

	if !rs.Invalidates("jobs", "row-1", domain.ChangeUpdate) {
		t.Error("missing row-level info for a tracked table should conservatively invalidate")
	}
}
