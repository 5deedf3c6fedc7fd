package intent

import "testing"

func TestCanTransitionHappyPath(t *testing.T) {
	path := []Status{StatusPending, StatusEvaluating, StatusApproved, StatusExecuting, StatusCompleted}
	for i := 0; i < len(path)-1; i++ {
		if !CanTransition(path[i], path[i+1]) {
			t.Fatalf("expected %s -> %s to be legal", path[i], path[i+1])
		}
	}
}

func TestCanTransitionRejectsIllegalEdges(t *testing.T) {
	cases := []struct{ from, to Status }{
		{StatusCompleted, StatusExecuting},
		{StatusFailed, StatusPending},
		{StatusCancelled, StatusApproved},
		{StatusDenied, StatusEvaluating},
		{StatusPending, StatusApproved},
		{StatusPending, StatusExecuting},
	}
	for _, c := range cases {
		if CanTransition(c.from, c.to) {
			t.Fatalf("expected %s -> %s to be illegal", c.from, c.to)
		}
	}
}

func TestCanTransitionEscalationPath(t *testing.T) {
	if !CanTransition(StatusEvaluating, StatusEscalated) {
		t.Fatal("evaluating -> escalated must be legal")
	}
	if !CanTransition(StatusEscalated, StatusApproved) {
		t.Fatal("escalated -> approved must be legal")
	}
	if !CanTransition(StatusEscalated, StatusDenied) {
		t.Fatal("escalated -> denied must be legal")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusDenied, StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusEvaluating, StatusEscalated, StatusExecuting} {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestApprovedIsTerminalButStillAdvances(t *testing.T) {
	if !StatusApproved.IsTerminal() {
		t.Fatal("approved is a resting terminal state for the decision pipeline")
	}
	if !CanTransition(StatusApproved, StatusExecuting) {
		t.Fatal("approved -> executing must remain legal for the execute worker")
	}
}
