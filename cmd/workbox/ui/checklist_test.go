package ui

import (
	"bytes"
	"strings"
	"testing"
)

func TestChecklistLine(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		step stepState
		want string
	}{
		{
			name: "running root",
			step: stepState{ID: "sandbox", Title: "Prepare sandbox", Status: stepRunning},
			want: "  " + spinFrames[0] + " Prepare sandbox",
		},
		{
			name: "done child",
			step: stepState{ID: "svc/web", ParentID: "sandbox", Title: "Start web", Status: stepDone},
			want: "    ✓ Start web",
		},
		{
			name: "failed with message",
			step: stepState{ID: "svc/db", ParentID: "sandbox", Title: "Start db", Status: stepFailed, Message: "exit code 1"},
			want: "    ✗ Start db exit code 1",
		},
		{
			name: "pending root",
			step: stepState{ID: "sandbox", Title: "Prepare sandbox", Status: stepPending},
			want: "  ● Prepare sandbox",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := checklistLine(tc.step, 0)
			if got != tc.want {
				t.Fatalf("checklistLine() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestChecklistRedrawsInPlace(t *testing.T) {
	var buf bytes.Buffer
	c := newChecklistTo(&buf)
	defer c.Close()

	c.OnSnapshot(stepSnapshot{Steps: []stepState{
		{ID: "sandbox", Title: "Prepare sandbox", Status: stepRunning},
		{ID: "svc/web", ParentID: "sandbox", Title: "Start web", Status: stepPending},
	}})
	first := buf.String()
	if strings.Contains(first, "\033[") {
		t.Errorf("initial render must not move the cursor: %q", first)
	}
	if !strings.Contains(first, "Prepare sandbox") || !strings.Contains(first, "Start web") {
		t.Errorf("initial render missing steps: %q", first)
	}

	buf.Reset()
	c.OnSnapshot(stepSnapshot{Steps: []stepState{
		{ID: "sandbox", Title: "Prepare sandbox", Status: stepDone},
		{ID: "svc/web", ParentID: "sandbox", Title: "Start web", Status: stepRunning},
	}})
	second := buf.String()
	if !strings.HasPrefix(second, "\033[2A") {
		t.Errorf("redraw must move up over the 2 rendered lines: %q", second)
	}
	if !strings.Contains(second, "✓ Prepare sandbox") {
		t.Errorf("redraw missing completed step: %q", second)
	}
}
