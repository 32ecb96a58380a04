package id

import "testing"

func TestNew_Length(t *testing.T) {
	value := New()
	if len(value) != 26 {
		t.Fatalf("New() length = %d, want 26", len(value))
	}
	if !IsValid(value) {
		t.Fatalf("IsValid(%q) = false, want true", value)
	}
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		value := New()
		if _, ok := seen[value]; ok {
			t.Fatalf("duplicate identifier %q", value)
		}
		seen[value] = struct{}{}
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"", false},
		{"short", false},
		{"!!!!!!!!!!!!!!!!!!!!!!!!!!", false},
		{New(), true},
	}
	for _, tt := range tests {
		if got := IsValid(tt.value); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
