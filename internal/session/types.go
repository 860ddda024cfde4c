// Package session defines the persisted browser-session model: sessions,
// windows, tabs, and tab groups, plus the validation rules the sync core
// depends on.
package session

import (
	"errors"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Origin records how a session came to exist.
type Origin string

// Origin values.
const (
	OriginManual Origin = "manual"
	OriginAuto   Origin = "auto"
	OriginImport Origin = "import"
)

// ParseOrigin converts a stored TEXT value to an Origin.
func ParseOrigin(s string) (Origin, error) {
	switch Origin(s) {
	case OriginManual, OriginAuto, OriginImport:
		return Origin(s), nil
	default:
		return OriginManual, fmt.Errorf("session: unknown origin %q", s)
	}
}

// GroupColor is a tab-group color from the fixed browser palette.
type GroupColor string

// The eight palette values. Any other value fails validation.
const (
	ColorGrey   GroupColor = "grey"
	ColorBlue   GroupColor = "blue"
	ColorRed    GroupColor = "red"
	ColorYellow GroupColor = "yellow"
	ColorGreen  GroupColor = "green"
	ColorPink   GroupColor = "pink"
	ColorPurple GroupColor = "purple"
	ColorCyan   GroupColor = "cyan"
)

// ValidColor reports whether c is one of the eight palette values.
func ValidColor(c GroupColor) bool {
	switch c {
	case ColorGrey, ColorBlue, ColorRed, ColorYellow,
		ColorGreen, ColorPink, ColorPurple, ColorCyan:
		return true
	default:
		return false
	}
}

// WindowState is the browser window state.
type WindowState string

// WindowState values.
const (
	StateNormal    WindowState = "normal"
	StateMinimized WindowState = "minimized"
	StateMaximized WindowState = "maximized"
)

// Tab is a single browser tab within a window. GroupID, when non-nil,
// refers to a TabGroup in the same window.
type Tab struct {
	ID         int    `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Index      int    `json:"index"`
	Pinned     bool   `json:"pinned"`
	FaviconURL string `json:"faviconUrl,omitempty"`
	Discarded  bool   `json:"discarded,omitempty"`
	GroupID    *int   `json:"groupId,omitempty"`
}

// TabGroup is a named, colored group of tabs. IDs are local to the window.
type TabGroup struct {
	ID        int        `json:"id"`
	Title     string     `json:"title"`
	Color     GroupColor `json:"color"`
	Collapsed bool       `json:"collapsed"`
}

// Window is an ordered set of tabs and the groups they reference.
type Window struct {
	ID      int         `json:"id"`
	Tabs    []Tab       `json:"tabs"`
	Groups  []TabGroup  `json:"groups,omitempty"`
	Focused bool        `json:"focused,omitempty"`
	State   WindowState `json:"state,omitempty"`
}

// Session is the persisted record of a set of windows at a point in time.
// ID is an opaque stable identifier.
type Session struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	CreatedAt int64    `json:"createdAt"`
	UpdatedAt int64    `json:"updatedAt"`
	Windows   []Window `json:"windows"`
	Origin    Origin   `json:"origin"`
}

// TabCount returns the total number of tabs across all windows.
func (s *Session) TabCount() int {
	var n int

	for i := range s.Windows {
		n += len(s.Windows[i].Tabs)
	}

	return n
}

// Normalize applies NFC normalization to the session name and all tab and
// group titles, matching how names are normalized elsewhere before
// comparison or persistence.
func (s *Session) Normalize() {
	s.Name = norm.NFC.String(s.Name)

	for wi := range s.Windows {
		w := &s.Windows[wi]

		for ti := range w.Tabs {
			w.Tabs[ti].Title = norm.NFC.String(w.Tabs[ti].Title)
		}

		for gi := range w.Groups {
			w.Groups[gi].Title = norm.NFC.String(w.Groups[gi].Title)
		}
	}
}

// ErrInvalidSession is wrapped by all Validate failures.
var ErrInvalidSession = errors.New("session: invalid session")

// Validate checks the structural invariants: contiguous zero-based tab
// indexes per window, group references resolving within the owning
// window, and palette-member group colors.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidSession)
	}

	for wi := range s.Windows {
		if err := validateWindow(&s.Windows[wi]); err != nil {
			return fmt.Errorf("%w: window %d: %v", ErrInvalidSession, wi, err)
		}
	}

	return nil
}

// validateWindow checks a single window's invariants.
func validateWindow(w *Window) error {
	groups := make(map[int]bool, len(w.Groups))

	for gi := range w.Groups {
		g := &w.Groups[gi]

		if !ValidColor(g.Color) {
			return fmt.Errorf("group %d: color %q not in palette", g.ID, g.Color)
		}

		groups[g.ID] = true
	}

	for ti := range w.Tabs {
		t := &w.Tabs[ti]

		if t.Index != ti {
			return fmt.Errorf("tab %d: index %d, want %d (indexes must be contiguous)", t.ID, t.Index, ti)
		}

		if t.GroupID != nil && !groups[*t.GroupID] {
			return fmt.Errorf("tab %d: group %d not in this window", t.ID, *t.GroupID)
		}
	}

	return nil
}

// CompactIndexes rewrites every window's tab indexes to 0..N−1 in current
// order. Called after filtering so gaps are never persisted.
func (s *Session) CompactIndexes() {
	for wi := range s.Windows {
		for ti := range s.Windows[wi].Tabs {
			s.Windows[wi].Tabs[ti].Index = ti
		}
	}
}
