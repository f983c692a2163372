package domain

import "testing"

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to TestStatus }{
		{TestPending, TestRunning},
		{TestPending, TestCancelled},
		{TestRunning, TestCompleted},
		{TestRunning, TestFailed},
		{TestRunning, TestCancelled},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to TestStatus }{
		{TestPending, TestCompleted},
		{TestPending, TestFailed},
		{TestCompleted, TestRunning},
		{TestCompleted, TestCancelled},
		{TestFailed, TestCompleted},
		{TestCancelled, TestRunning},
		{TestRunning, TestPending},
		{TestRunning, TestRunning},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []TestStatus{TestCompleted, TestFailed, TestCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
	for _, s := range []TestStatus{TestPending, TestRunning} {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
}

func TestKnownTestType(t *testing.T) {
	for _, tt := range []TestType{TypeFull, TypeAuth, TypePerformance, TypeSecurity, TypeUI} {
		if !KnownTestType(tt) {
			t.Errorf("KnownTestType(%s) = false, want true", tt)
		}
	}
	if KnownTestType("chaos") {
		t.Error("KnownTestType(chaos) = true, want false")
	}
	if KnownTestType("") {
		t.Error("KnownTestType(\"\") = true, want false")
	}
}
