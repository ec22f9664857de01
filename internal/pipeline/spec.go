package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ID is the symbolic name of a pipeline template (e.g. "pose-detection").
type ID string

// Slot identifies one of the two display/stream positions.
type Slot int

const (
	SlotA Slot = iota
	SlotB
)

// String returns "a" or "b".
func (s Slot) String() string {
	if s == SlotB {
		return "b"
	}
	return "a"
}

// ParseSlot converts "a" or "b" (case-insensitive) into a Slot.
func ParseSlot(s string) (Slot, error) {
	switch strings.ToLower(s) {
	case "a":
		return SlotA, nil
	case "b":
		return SlotB, nil
	}
	return SlotA, fmt.Errorf("%w: %q", ErrBadSlot, s)
}

// Rect describes where a slot's visual output is placed on the display.
type Rect struct {
	X, Y, W, H int
}

func (r Rect) String() string {
	return fmt.Sprintf("x=%d y=%d width=%d height=%d", r.X, r.Y, r.W, r.H)
}

// ParseRect parses "x,y,w,h" into a Rect.
func ParseRect(s string) (Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Rect{}, fmt.Errorf("geometry %q: want x,y,w,h", s)
	}
	vals := make([]int, 4)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Rect{}, fmt.Errorf("geometry %q: %w", s, err)
		}
		vals[i] = n
	}
	return Rect{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, nil
}

var (
	// ErrUnknownTemplate is returned by Resolve for an id not in the registry.
	ErrUnknownTemplate = errors.New("unknown pipeline template")

	// ErrUnresolvedPlaceholder is returned when substitution leaves a
	// placeholder token behind.
	ErrUnresolvedPlaceholder = errors.New("unresolved placeholder in pipeline command")

	// ErrGeometryMismatch is returned when a dual-output window is requested
	// for slots with different reported sizes.
	ErrGeometryMismatch = errors.New("slot geometries differ, cannot build dual window")

	// ErrBadSlot is returned for a slot name other than "a" or "b".
	ErrBadSlot = errors.New("invalid slot")
)

// Spec is a fully resolved, immutable description of one pipeline instance.
// A changed selection produces a new Spec; an existing one is never edited.
type Spec struct {
	ID      ID
	Slot    Slot
	Dual    bool
	Command string
}

// DualWindow combines the two slot rectangles into the window a dual-output
// pipeline renders into: anchored at a's origin, twice the single width,
// single height. The slots must report equal sizes.
func DualWindow(a, b Rect) (Rect, error) {
	if a.W != b.W || a.H != b.H {
		return Rect{}, fmt.Errorf("%w: a=%dx%d b=%dx%d", ErrGeometryMismatch, a.W, a.H, b.W, b.H)
	}
	return Rect{X: a.X, Y: a.Y, W: 2 * a.W, H: a.H}, nil
}

// Placeholder tokens are all-caps with underscores; the vector and layer
// syntax inside gst element properties (e.g. <128.0,...>) never matches.
var placeholderRe = regexp.MustCompile(`<[A-Z][A-Z_]*>`)

// Resolve substitutes the template identified by id into a runnable command
// for the given slot. device is the capture device path for that slot; an
// empty device yields a command that fails at spawn time rather than here.
// window is the slot's own rectangle and dualWindow the combined two-slot
// rectangle (see DualWindow). Resolve has no side effects.
func (r *Registry) Resolve(id ID, slot Slot, device string, window, dualWindow Rect) (*Spec, error) {
	tmpl, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, id)
	}

	// Every resolved pipeline carries a named identity so the runner can
	// observe per-buffer liveness, and an fps overlay around the sink.
	probe := `identity name=watchdog silent=false ! fpsdisplaysink text-overlay=true video-sink=`

	cmd := tmpl.Text
	cmd = strings.ReplaceAll(cmd, TokenSingleDisplay, probe+`"`+singleWindowSink+`"`)
	cmd = strings.ReplaceAll(cmd, TokenDualDisplay, probe+`"`+dualWindowSink+`"`)
	cmd = strings.ReplaceAll(cmd, TokenDataSrc, "v4l2src device="+device)
	cmd = strings.ReplaceAll(cmd, TokenSingleWindow, window.String())
	cmd = strings.ReplaceAll(cmd, TokenDualWindow, dualWindow.String())

	if tok := placeholderRe.FindString(cmd); tok != "" {
		return nil, fmt.Errorf("%w: %s in template %q", ErrUnresolvedPlaceholder, tok, id)
	}

	return &Spec{ID: id, Slot: slot, Dual: tmpl.Dual, Command: cmd}, nil
}
