package tags

import (
	"testing"
)

func TestEligible(t *testing.T) {
	cases := []struct {
		name      string
		required  []string
		recipient []string
		want      bool
	}{
		{"empty requirement matches everyone", nil, nil, true},
		{"empty requirement matches tagged recipient", nil, []string{"can_read"}, true},
		{"exact match", []string{"can_read"}, []string{"can_read"}, true},
		{"subset", []string{"can_read"}, []string{"can_read", "can_write"}, true},
		{"missing tag", []string{"can_write"}, []string{"can_read"}, false},
		{"partial overlap", []string{"can_read", "can_write"}, []string{"can_read"}, false},
		{"superset requirement", []string{"a", "b", "c"}, []string{"a", "b"}, false},
		{"requirement against empty recipient", []string{"a"}, nil, false},
		{"duplicate required tags", []string{"a", "a"}, []string{"a"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Eligible(tc.required, tc.recipient); got != tc.want {
				t.Fatalf("Eligible(%v, %v) = %v, want %v", tc.required, tc.recipient, got, tc.want)
			}
		})
	}
}

func TestEligibleMatchesSubsetSemantics(t *testing.T) {
	// Eligible must agree with literal subset computation.
	sets := [][]string{nil, {"a"}, {"b"}, {"a", "b"}, {"a", "b", "c"}}
	for _, required := range sets {
		for _, recipient := range sets {
			want := isSubset(required, recipient)
			if got := Eligible(required, recipient); got != want {
				t.Errorf("Eligible(%v, %v) = %v, want subset %v", required, recipient, got, want)
			}
		}
	}
}

func isSubset(sub, super []string) bool {
	set := make(map[string]struct{})
	for _, s := range super {
		set[s] = struct{}{}
	}
	for _, s := range sub {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

func TestValidate(t *testing.T) {
	if !Validate(nil) {
		t.Fatal("empty tag set should be valid")
	}
	if !Validate([]string{"can_read", "can_write"}) {
		t.Fatal("non-empty strings should be valid")
	}
	if Validate([]string{"can_read", ""}) {
		t.Fatal("empty string tag should be invalid")
	}
}
