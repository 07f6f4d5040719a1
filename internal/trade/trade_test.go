package trade

import "testing"

func TestSnapshot_IsOpen(t *testing.T) {
	cases := []struct {
		status Status
		want   bool
	}{
		{StatusOpen, true},
		{StatusClosing, true},
		{StatusClosed, false},
	}
	for _, tc := range cases {
		snap := Snapshot{ID: "T1", Status: tc.status}
		if got := snap.IsOpen(); got != tc.want {
			t.Errorf("IsOpen with status %s = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestSnapshot_Notional(t *testing.T) {
	snap := Snapshot{Quantity: 50, EntryPrice: 100, MarkPrice: 120}
	if got := snap.Notional(); got != 6000 {
		t.Errorf("expected notional from mark price 6000, got %f", got)
	}

	snap.MarkPrice = 0
	if got := snap.Notional(); got != 5000 {
		t.Errorf("expected fallback to entry price 5000, got %f", got)
	}

	snap.Quantity = -50
	if got := snap.Notional(); got != 5000 {
		t.Errorf("expected absolute notional for short position, got %f", got)
	}
}

func TestCloneMap_Isolation(t *testing.T) {
	original := map[string]Snapshot{
		"T1": {ID: "T1", Status: StatusOpen},
	}

	cloned := CloneMap(original)
	original["T2"] = Snapshot{ID: "T2", Status: StatusOpen}
	delete(original, "T1")

	if len(cloned) != 1 {
		t.Fatalf("expected clone with 1 entry, got %d", len(cloned))
	}
	if _, ok := cloned["T1"]; !ok {
		t.Errorf("expected T1 to survive in clone")
	}
}
