package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusTrialing, StatusActive, true},
		{StatusTrialing, StatusCanceled, true},
		{StatusActive, StatusPastDue, true},
		{StatusPastDue, StatusActive, true},
		{StatusActive, StatusCanceled, true},
		{StatusPastDue, StatusCanceled, true},
		{StatusActive, StatusActive, true},
		{StatusCanceled, StatusCanceled, true},
		{StatusCanceled, StatusActive, false},
		{StatusCanceled, StatusTrialing, false},
		{StatusCanceled, StatusPastDue, false},
		{StatusActive, StatusTrialing, false},
		{StatusPastDue, StatusTrialing, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if _, err := ParseStatus("  Active "); err != nil {
		t.Fatalf("expected active to parse, got %v", err)
	}
	if _, err := ParseStatus("suspended"); err == nil {
		t.Fatal("expected unknown status to fail")
	}
}
