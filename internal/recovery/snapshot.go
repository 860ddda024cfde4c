// Package recovery maintains crash-recovery snapshots of the current
// browser window layout: captures are filtered, debounced, rotated
// locally, and mirrored best-effort into a single quota-bounded remote
// backup slot. Everything here works without network access; the local
// rotation is authoritative.
package recovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/sessionvault/sessionvault/internal/session"
)

// protectedPrefixes are URL schemes that never enter a snapshot.
var protectedPrefixes = []string{
	"chrome://",
	"chrome-extension://",
	"edge://",
	"about:",
	"file://",
	"javascript:",
	"data:",
}

// IsProtectedURL reports whether a URL is excluded from capture.
func IsProtectedURL(url string) bool {
	for _, p := range protectedPrefixes {
		if strings.HasPrefix(url, p) {
			return true
		}
	}

	return false
}

// Stats summarizes a snapshot's contents.
type Stats struct {
	WindowCount int `json:"windowCount"`
	TabCount    int `json:"tabCount"`
	GroupCount  int `json:"groupCount"`
}

// Snapshot is one captured browser state, identified by its capture
// timestamp.
type Snapshot struct {
	ID        string           `json:"id"` // "recovery:<ms-epoch>"
	Timestamp int64            `json:"timestamp"`
	Windows   []session.Window `json:"windows"`
	Stats     Stats            `json:"stats"`
}

// SnapshotID builds the identifier for a capture time.
func SnapshotID(ms int64) string {
	return fmt.Sprintf("recovery:%d", ms)
}

// Browser is the browser contract the service captures from and
// restores into. Enumerate returns normal windows only; popups and
// devtools windows are the enumerator's problem, not the filter's.
type Browser interface {
	EnumerateWindows(ctx context.Context) ([]session.Window, error)

	CreateWindow(ctx context.Context) (int, error)
	CreateTab(ctx context.Context, windowID int, tab session.Tab) (int, error)
	CreateGroup(ctx context.Context, windowID int, group session.TabGroup, tabIDs []int) error
}

// buildSnapshot filters raw windows into a Snapshot. Protected URLs are
// dropped, tab indexes are compacted, only groups still referenced by a
// surviving tab are kept, and empty windows disappear. Returns nil when
// no tab survives: no entry, no error.
func buildSnapshot(raw []session.Window, now int64) *Snapshot {
	snap := &Snapshot{ID: SnapshotID(now), Timestamp: now}

	for i := range raw {
		w := filterWindow(&raw[i])
		if len(w.Tabs) == 0 {
			continue
		}

		snap.Windows = append(snap.Windows, *w)
		snap.Stats.TabCount += len(w.Tabs)
		snap.Stats.GroupCount += len(w.Groups)
	}

	if len(snap.Windows) == 0 {
		return nil
	}

	snap.Stats.WindowCount = len(snap.Windows)

	return snap
}

// filterWindow drops protected tabs, compacts indexes, and prunes
// unreferenced groups.
func filterWindow(w *session.Window) *session.Window {
	out := session.Window{
		ID:      w.ID,
		Focused: w.Focused,
		State:   w.State,
	}

	referenced := make(map[int]bool)

	for _, tab := range w.Tabs {
		if IsProtectedURL(tab.URL) {
			continue
		}

		tab.Index = len(out.Tabs)
		out.Tabs = append(out.Tabs, tab)

		if tab.GroupID != nil {
			referenced[*tab.GroupID] = true
		}
	}

	for _, g := range w.Groups {
		if referenced[g.ID] {
			out.Groups = append(out.Groups, g)
		}
	}

	return &out
}
