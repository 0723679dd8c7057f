package invid

import "testing"

func TestParseString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Invid
		wantErr bool
	}{
		{name: "simple", input: "3:42", want: New(3, 42)},
		{name: "whitespace", input: " 256:1 ", want: New(256, 1)},
		{name: "missing separator", input: "342", wantErr: true},
		{name: "type overflow", input: "70000:1", wantErr: true},
		{name: "bad number", input: "1:x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, got, tt.want)
			}
			if err == nil && got.String() != New(got.Type, got.Num).String() {
				t.Errorf("String() round trip mismatch for %v", got)
			}
		})
	}
}

func TestNilAndOrder(t *testing.T) {
	if !Nil.IsNil() {
		t.Errorf("Nil.IsNil() = false")
	}
	if New(1, 1).IsNil() {
		t.Errorf("New(1,1).IsNil() = true")
	}
	if !New(1, 9).Less(New(2, 1)) {
		t.Errorf("expected type to dominate ordering")
	}
	if !New(2, 1).Less(New(2, 3)) {
		t.Errorf("expected instance ordering within a type")
	}
}
