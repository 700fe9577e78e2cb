package changeproxy

import (
	"reflect"
	"testing"

	"txrepo/pkg/domain"
)

func TestChangesEmptyWithoutAssignments(t *testing.T) {
	h, p := New(domain.Entity{"id": 1, "name": "A"})
	if v, ok := p.Get("name"); !ok || v != "A" {
		t.Fatalf("expected snapshot value, got %v %v", v, ok)
	}
	if got := h.Changes(); !got.IsEmpty() {
		t.Fatalf("expected empty change set, got %v", got)
	}
}

func TestChangesLastWriteWins(t *testing.T) {
	h, p := New(domain.Entity{"id": 1, "name": "A"})
	p.Set("name", "B")
	p.Set("name", "C")
	p.Set("age", 3)
	want := domain.ChangeSet{"name": "C", "age": 3}
	if got := h.Changes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("changes = %v, want %v", got, want)
	}
	if got := h.Touched(); !reflect.DeepEqual(got, []string{"name", "age"}) {
		t.Fatalf("touched order = %v", got)
	}
}

func TestChangesIdempotent(t *testing.T) {
	h, p := New(domain.Entity{"x": 1})
	p.Set("x", 2)
	first := h.Changes()
	first["x"] = 99
	second := h.Changes()
	if second["x"] != 2 {
		t.Fatalf("expected fresh map per call, got %v", second)
	}
}

func TestModes(t *testing.T) {
	cases := []struct {
		name string
		mode Mode
		want domain.ChangeSet
	}{
		{"assigned keeps same-value writes", TrackAssigned, domain.ChangeSet{"name": "A", "tags": []string{"x"}}},
		{"value drops same-value writes", TrackValueChanged, domain.ChangeSet{"tags": []string{"x"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, p := New(domain.Entity{"name": "A", "tags": []string{}}, WithMode(tc.mode))
			p.Set("name", "A")
			p.Set("tags", []string{"x"})
			if got := h.Changes(); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("changes = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSnapshotIsolation(t *testing.T) {
	snapshot := domain.Entity{"name": "A"}
	_, p := New(snapshot)
	p.Set("name", "B")
	p.Set("extra", true)
	if snapshot["name"] != "A" || len(snapshot) != 1 {
		t.Fatalf("snapshot mutated: %v", snapshot)
	}
	merged := p.Snapshot()
	if merged["name"] != "B" || merged["extra"] != true {
		t.Fatalf("unexpected merged view: %v", merged)
	}
	if got := p.Fields(); !reflect.DeepEqual(got, []string{"extra", "name"}) {
		t.Fatalf("fields = %v", got)
	}
}

func TestNilSnapshotAndFactory(t *testing.T) {
	factory := NewFactory(WithMode(TrackValueChanged))
	h, p := factory(nil)
	if _, ok := p.Get("missing"); ok {
		t.Fatalf("expected missing field")
	}
	p.Set("a", 1)
	if got := h.Changes(); got["a"] != 1 {
		t.Fatalf("expected new field recorded, got %v", got)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": TrackAssigned, "assigned": TrackAssigned, "value": TrackValueChanged} {
		got, ok := ParseMode(in)
		if !ok || got != want {
			t.Fatalf("ParseMode(%q) = %v %v", in, got, ok)
		}
	}
	if _, ok := ParseMode("bogus"); ok {
		t.Fatalf("expected bogus mode rejected")
	}
	if TrackValueChanged.String() != "value" || Mode(9).String() != "unknown" {
		t.Fatalf("unexpected mode strings")
	}
}
