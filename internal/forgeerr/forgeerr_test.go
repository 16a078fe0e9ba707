package forgeerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/forge-db/forge/internal/forgeerr"
)

func TestError_MessageIncludesWrappedCause(t *testing.T) {
	err := forgeerr.Wrap(forgeerr.KindTransient, "enqueue job", errors.New("connection reset"))
	want := "enqueue job: connection reset"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestError_NoWrappedCause_MessageIsJustMsg(t *testing.T) {
	err := forgeerr.New(forgeerr.KindNotFound, "job not found")
	if got := err.Error(); got != "job not found" {
		t.Errorf("Error() = %q, want %q", got, "job not found")
	}
}

func TestKindOf_UnwrapsThroughFmtErrorf(t *testing.T) {
	base := forgeerr.New(forgeerr.KindConflict, "idempotency key reused")
	wrapped := fmt.Errorf("enqueue: %w", base)

	if got := forgeerr.KindOf(wrapped); got != forgeerr.KindConflict {
		t.Errorf("KindOf() = %q, want %q", got, forgeerr.KindConflict)
	}
}

func TestKindOf_UnclassifiedError_DefaultsToInternal(t *testing.T) {
	if got := forgeerr.KindOf(errors.New("boom")); got != forgeerr.KindInternal {
		t.Errorf("KindOf() = %q, want %q", got, forgeerr.KindInternal)
	}
}

func TestKindOf_Nil_DefaultsToInternal(t *testing.T) {
	if got := forgeerr.KindOf(nil); got != forgeerr.KindInternal {
		t.Errorf("KindOf(nil) = %q, want %q", got, forgeerr.KindInternal)
	}
}

func TestErrorsIs_MatchesThroughUnwrap(t *testing.T) {
	cause := errors.New("db down")
	err := forgeerr.Wrap(forgeerr.KindTransient, "claim job", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should see through Unwrap to the wrapped cause")
	}
}
