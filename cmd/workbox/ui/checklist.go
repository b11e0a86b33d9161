package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var spinFrames = [...]string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Checklist renders step snapshots as an in-place terminal checklist:
// muted pending steps, a braille spinner on running ones, check or cross
// when finished. Sandbox preparation is the root step; service starts
// render indented beneath it.
type Checklist struct {
	mu            sync.Mutex
	out           io.Writer
	steps         []stepState
	renderedLines int
	frame         int
	stop          chan struct{}
	once          sync.Once
}

// NewChecklist creates a Checklist drawing to stderr, keeping stdout free
// for command output.
func NewChecklist() *Checklist {
	return newChecklistTo(os.Stderr)
}

func newChecklistTo(w io.Writer) *Checklist {
	return &Checklist{out: w, stop: make(chan struct{})}
}

// OnSnapshot updates the checklist on each snapshot.
func (c *Checklist) OnSnapshot(snap stepSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	first := c.steps == nil
	c.steps = snap.Steps

	if first {
		for _, s := range c.steps {
			fmt.Fprintf(c.out, "%s\n", checklistLine(s, c.frame))
		}
		c.renderedLines = len(c.steps)
		go c.spin()
		return
	}
	c.redraw()
}

// Close stops the spinner.
func (c *Checklist) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Checklist) spin() {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.frame = (c.frame + 1) % len(spinFrames)
			c.redraw()
			c.mu.Unlock()
		}
	}
}

// redraw reprints all step lines in place. Caller must hold c.mu.
func (c *Checklist) redraw() {
	if len(c.steps) == 0 && c.renderedLines == 0 {
		return
	}
	if c.renderedLines > 0 {
		fmt.Fprintf(c.out, "\033[%dA", c.renderedLines)
	}
	for _, s := range c.steps {
		fmt.Fprintf(c.out, "\r%s\033[K\n", checklistLine(s, c.frame))
	}
	for i := len(c.steps); i < c.renderedLines; i++ {
		fmt.Fprint(c.out, "\r\033[K\n")
	}
	c.renderedLines = len(c.steps)
}

// checklistLine formats one step: indent, status icon, title, and the
// optional trailing message.
func checklistLine(s stepState, frame int) string {
	indent := "  "
	if s.ParentID != "" {
		indent = "    "
	}

	var icon, label string
	switch s.Status {
	case stepRunning:
		icon, label = Accent(spinFrames[frame]), s.Title
	case stepDone:
		icon, label = Success("✓"), s.Title
	case stepFailed:
		icon, label = ErrorStyle.Render("✗"), ErrorStyle.Render(s.Title)
	default:
		icon, label = Muted("●"), Muted(s.Title)
	}

	line := indent + icon + " " + label
	if s.Message != "" {
		line += " " + Muted(s.Message)
	}
	return line
}
