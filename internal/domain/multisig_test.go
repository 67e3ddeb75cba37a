package domain

import "testing"

func TestMultisigIsOwner(t *testing.T) {
	m := Multisig{Owners: []string{"u1", "u2", "u3"}}
	if !m.IsOwner("u2") {
		t.Error("expected u2 to be an owner")
	}
	if m.IsOwner("u99") {
		t.Error("expected u99 not to be an owner")
	}
}

func TestMultisigValidThreshold(t *testing.T) {
	cases := []struct {
		owners    int
		threshold int
		want      bool
	}{
		{3, 2, true},
		{3, 3, true},
		{3, 1, true},
		{3, 0, false},
		{3, -1, false},
		{3, 4, false},
		{0, 1, false},
	}
	for _, tc := range cases {
		owners := make([]string, tc.owners)
		for i := range owners {
			owners[i] = string(rune('a' + i))
		}
		m := Multisig{Owners: owners, Threshold: tc.threshold}
		if got := m.ValidThreshold(); got != tc.want {
			t.Errorf("ValidThreshold(owners=%d, threshold=%d) = %v, want %v", tc.owners, tc.threshold, got, tc.want)
		}
	}
}
