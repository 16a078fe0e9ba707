package registry_test

import (
	"sort"
	"testing"

	"github.com/forge-db/forge/internal/registry"
)

func TestRegister_LookupReturnsSameHandler(t *testing.T) {
	r := registry.New[func() int]()
	r.Register("answer", func() int { return 42 })

	h, ok := r.Lookup("answer")
	if !ok {
		t.Fatal("expected handler to be found")
	}
	if got := h(); got != 42 {
		t.Errorf("handler() = %d, want 42", got)
	}
}

func TestLookup_UnknownName_ReturnsFalse(t *testing.T) {
	r := registry.New[int]()
	if _, ok := r.Lookup("missing"); ok {
		t.Error("expected ok=false for unregistered name")
	}
}

func TestRegister_DuplicateName_Panics(t *testing.T) {
	r := registry.New[int]()
	r.Register("dup", 1)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	r.Register("dup", 2)
}

func TestNames_ListsEveryRegistration(t *testing.T) {
	r := registry.New[int]()
	r.Register("b", 2)
	r.Register("a", 1)
	r.Register("c", 3)

	names := r.Names()
	sort.Strings(names)
	want := []string{"a", "b", "c"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
