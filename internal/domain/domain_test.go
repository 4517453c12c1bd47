package domain

import (
	"errors"
	"testing"
)

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses {
		got, err := ParseStatus(string(s))
		if err != nil || got != s {
			t.Fatalf("ParseStatus(%q) = %q, %v", s, got, err)
		}
	}
	for _, tag := range []string{"", "assigned", "NOT_ASSIGNED", "DONE"} {
		if _, err := ParseStatus(tag); !errors.Is(err, ErrInvalidStatus) {
			t.Fatalf("ParseStatus(%q): expected ErrInvalidStatus, got %v", tag, err)
		}
	}
}

func TestClosed(t *testing.T) {
	closed := map[Status]bool{StatusUnassigned: false, StatusAssigned: false, StatusCompleted: true, StatusCancelled: true}
	for s, want := range closed {
		if s.Closed() != want {
			t.Fatalf("%s.Closed() = %v", s, !want)
		}
	}
}

func TestAssignmentWorkerLink(t *testing.T) {
	a := Assignment{}
	if !a.Unassigned() || a.AssignedTo("W1") {
		t.Fatal("zero assignment should have no worker")
	}
	w := "W1"
	a.WorkerID = &w
	if a.Unassigned() || !a.AssignedTo("W1") || a.AssignedTo("W2") {
		t.Fatal("worker link not reported")
	}
}
