package perm

import "testing"

func TestEntryOps(t *testing.T) {
	ve := NewEntry(true, true, false, false)
	if ve.String() != "ve--" {
		t.Errorf("String() = %q, want ve--", ve.String())
	}
	if got := ve.Union(Creatable); got != Visible|Editable|Creatable {
		t.Errorf("Union = %v", got)
	}
	if got := ve.Intersect(ViewOnly); got != Visible {
		t.Errorf("Intersect = %v", got)
	}
	parsed, err := ParseEntry("v-c-")
	if err != nil || parsed != Visible|Creatable {
		t.Errorf("ParseEntry(v-c-) = %v, %v", parsed, err)
	}
	if _, err := ParseEntry("vx"); err == nil {
		t.Errorf("expected error for invalid mask")
	}
}

func TestMatrixCopyOnSet(t *testing.T) {
	base := NewMatrix().Set(256, ObjectField, ViewOnly)
	derived := base.Set(256, 1, Full)

	if base.Len() != 1 {
		t.Fatalf("base mutated by Set, len = %d", base.Len())
	}
	if derived.Field(256, 1) != Full {
		t.Errorf("derived field entry = %v, want Full", derived.Field(256, 1))
	}
	// unset field falls back to object entry
	if derived.Field(256, 7) != ViewOnly {
		t.Errorf("fallback = %v, want ViewOnly", derived.Field(256, 7))
	}
	if derived.Field(300, 1) != None {
		t.Errorf("unknown type = %v, want None", derived.Field(300, 1))
	}
}

func TestMatrixUnionAndText(t *testing.T) {
	a := NewMatrix().Set(3, ObjectField, ViewOnly).Set(3, 2, Visible|Editable)
	b := NewMatrix().Set(3, ObjectField, Editable).Set(256, ObjectField, Full)

	u := a.Union(b)
	if e, _ := u.Object(3); e != Visible|Editable {
		t.Errorf("union object entry = %v", e)
	}
	if e, _ := u.Object(256); e != Full {
		t.Errorf("union 256 entry = %v", e)
	}

	text := u.String()
	back, err := ParseMatrix(text)
	if err != nil {
		t.Fatalf("ParseMatrix(%q): %v", text, err)
	}
	if !back.Equal(u) {
		t.Errorf("ParseMatrix(String()) = %v, want %v", back, u)
	}
	if _, err := ParseMatrix("3.x=v"); err == nil {
		t.Errorf("expected error for bad field")
	}
}
