package supervisor

import (
	"errors"
	"testing"
)

func TestRegistryLookupAndOrder(t *testing.T) {
	reg, err := NewRegistry([]Descriptor{
		{Kind: "grid", Name: "Grid Bot", Script: "/opt/bots/grid.sh"},
		{Kind: "scalp", Name: "Scalp Bot", Script: "/opt/bots/scalp.sh"},
		{Kind: "controller", Script: "/opt/bots/controller.sh", Internal: true},
	})
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}

	kinds := reg.Kinds()
	want := []Kind{"grid", "scalp", "controller"}
	if len(kinds) != len(want) {
		t.Fatalf("Kinds() len got=%d want=%d", len(kinds), len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("Kinds()[%d] got=%q want=%q", i, kinds[i], want[i])
		}
	}

	d, err := reg.Descriptor("scalp")
	if err != nil {
		t.Fatalf("Descriptor(scalp) error: %v", err)
	}
	if d.Name != "Scalp Bot" {
		t.Fatalf("Descriptor(scalp).Name got=%q", d.Name)
	}

	if _, err := reg.Descriptor("nope"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Descriptor(nope) expected ErrUnknownKind, got %v", err)
	}
}

func TestRegistryRejectsDuplicateKind(t *testing.T) {
	_, err := NewRegistry([]Descriptor{
		{Kind: "grid", Script: "/opt/bots/a.sh"},
		{Kind: "grid", Script: "/opt/bots/b.sh"},
	})
	if err == nil {
		t.Fatalf("expected duplicate-kind error")
	}
}

func TestRegistryRejectsInvalidDescriptor(t *testing.T) {
	if _, err := NewRegistry([]Descriptor{{Kind: "grid"}}); err == nil {
		t.Fatalf("expected error for missing script")
	}
	if _, err := NewRegistry([]Descriptor{{Kind: "", Script: "/x.sh"}}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	if _, err := NewRegistry([]Descriptor{{Kind: "bad kind", Script: "/x.sh"}}); err == nil {
		t.Fatalf("expected error for kind with spaces")
	}
}

func TestRegistryDisplayNameFallback(t *testing.T) {
	d := Descriptor{Kind: "grid", Script: "/x.sh"}
	if got := d.DisplayName(); got != "grid" {
		t.Fatalf("DisplayName fallback got=%q", got)
	}
	d.Name = "Grid Bot"
	if got := d.DisplayName(); got != "Grid Bot" {
		t.Fatalf("DisplayName got=%q", got)
	}
}
