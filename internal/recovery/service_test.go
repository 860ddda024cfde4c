package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/sessionvault/sessionvault/internal/chunkstore"
	"github.com/sessionvault/sessionvault/internal/kvstore"
	"github.com/sessionvault/sessionvault/internal/session"
)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))

	return len(p), nil
}

// fakeBrowser implements Browser over in-memory windows.
type fakeBrowser struct {
	windows []session.Window

	nextID         int
	createdWindows []int
	createdTabs    map[int][]session.Tab
	createdGroups  map[int][]session.TabGroup
	groupErr       error
}

func newFakeBrowser(windows ...session.Window) *fakeBrowser {
	return &fakeBrowser{
		windows:       windows,
		createdTabs:   make(map[int][]session.Tab),
		createdGroups: make(map[int][]session.TabGroup),
	}
}

func (b *fakeBrowser) EnumerateWindows(context.Context) ([]session.Window, error) {
	return b.windows, nil
}

func (b *fakeBrowser) CreateWindow(context.Context) (int, error) {
	b.nextID++
	b.createdWindows = append(b.createdWindows, b.nextID)

	return b.nextID, nil
}

func (b *fakeBrowser) CreateTab(_ context.Context, windowID int, tab session.Tab) (int, error) {
	b.nextID++
	b.createdTabs[windowID] = append(b.createdTabs[windowID], tab)

	return b.nextID, nil
}

func (b *fakeBrowser) CreateGroup(_ context.Context, windowID int, group session.TabGroup, _ []int) error {
	if b.groupErr != nil {
		return b.groupErr
	}

	b.createdGroups[windowID] = append(b.createdGroups[windowID], group)

	return nil
}

// mixedWindow has a protected tab, a grouped tab, and a plain tab.
func mixedWindow() session.Window {
	groupID := 5

	return session.Window{
		ID: 1,
		Tabs: []session.Tab{
			{ID: 1, URL: "chrome://settings", Title: "Settings", Index: 0},
			{ID: 2, URL: "https://example.com", Title: "Example", Index: 1, GroupID: &groupID},
			{ID: 3, URL: "https://example.org", Title: "Org", Index: 2},
		},
		Groups: []session.TabGroup{
			{ID: 5, Title: "work", Color: session.ColorBlue},
			{ID: 6, Title: "orphan", Color: session.ColorRed},
		},
	}
}

// newTestService builds a service over memory stores with a fixed clock.
func newTestService(t *testing.T, browser Browser) (*Service, *kvstore.Memory, *kvstore.Memory) {
	t.Helper()

	local := kvstore.NewMemory(0)
	syncKV := kvstore.NewMemory(kvstore.DefaultQuotaBytesPerItem)

	svc := NewService(&ServiceConfig{
		Browser: browser,
		Local:   local,
		Codec:   chunkstore.New(syncKV, testLogger(t)),
		Logger:  testLogger(t),
	})

	return svc, local, syncKV
}

func TestCapture_FiltersProtectedAndOrphanGroups(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, newFakeBrowser(mixedWindow()))

	snap, err := svc.CaptureNow(context.Background())
	if err != nil || snap == nil {
		t.Fatalf("CaptureNow: %v (%v)", snap, err)
	}

	if snap.Stats.WindowCount != 1 || snap.Stats.TabCount != 2 || snap.Stats.GroupCount != 1 {
		t.Errorf("stats = %+v", snap.Stats)
	}

	w := snap.Windows[0]

	for _, tab := range w.Tabs {
		if IsProtectedURL(tab.URL) {
			t.Errorf("protected URL in snapshot: %s", tab.URL)
		}
	}

	// Indexes compacted to 0..N−1.
	for i, tab := range w.Tabs {
		if tab.Index != i {
			t.Errorf("tab index = %d, want %d", tab.Index, i)
		}
	}

	// Only the referenced group survives.
	if len(w.Groups) != 1 || w.Groups[0].ID != 5 {
		t.Errorf("groups = %+v", w.Groups)
	}
}

func TestCapture_NoEligibleTabsProducesNothing(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(session.Window{
		ID:   1,
		Tabs: []session.Tab{{ID: 1, URL: "about:blank", Index: 0}},
	})

	svc, local, _ := newTestService(t, browser)

	snap, err := svc.CaptureNow(context.Background())
	if err != nil {
		t.Fatalf("CaptureNow: %v", err)
	}

	if snap != nil {
		t.Errorf("snapshot produced from protected-only window: %+v", snap)
	}

	if local.Len() != 0 {
		t.Error("empty capture wrote to the local store")
	}
}

func TestIsProtectedURL(t *testing.T) {
	t.Parallel()

	protected := []string{
		"chrome://extensions",
		"chrome-extension://abc/popup.html",
		"edge://settings",
		"about:blank",
		"file:///etc/passwd",
		"javascript:alert(1)",
		"data:text/html,hi",
	}

	for _, url := range protected {
		if !IsProtectedURL(url) {
			t.Errorf("IsProtectedURL(%q) = false", url)
		}
	}

	for _, url := range []string{"https://example.com", "http://chrome.com", "ftp://host"} {
		if IsProtectedURL(url) {
			t.Errorf("IsProtectedURL(%q) = true", url)
		}
	}
}

func TestRotation_KeepsFiveNewest(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(mixedWindow())
	svc, _, _ := newTestService(t, browser)
	ctx := context.Background()

	// Distinct timestamps for distinct ids.
	var tick int64

	svc.nowFunc = func() time.Time {
		tick++
		return time.UnixMilli(tick)
	}

	for i := 0; i < 8; i++ {
		if _, err := svc.CaptureNow(ctx); err != nil {
			t.Fatalf("CaptureNow %d: %v", i, err)
		}
	}

	snapshots, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	if len(snapshots) != DefaultMaxSnapshots {
		t.Fatalf("rotation holds %d, want %d", len(snapshots), DefaultMaxSnapshots)
	}

	// Newest first.
	for i := 1; i < len(snapshots); i++ {
		if snapshots[i-1].Timestamp <= snapshots[i].Timestamp {
			t.Errorf("rotation out of order at %d", i)
		}
	}

	// Rotated-out snapshots are gone.
	if snap, _ := svc.Get(ctx, SnapshotID(1)); snap != nil {
		t.Error("oldest snapshot survives rotation")
	}
}

func TestBackupSlot_OverwrittenAndLoadable(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(mixedWindow())
	svc, _, _ := newTestService(t, browser)
	ctx := context.Background()

	var tick int64

	svc.nowFunc = func() time.Time {
		tick++
		return time.UnixMilli(tick)
	}

	if _, err := svc.CaptureNow(ctx); err != nil {
		t.Fatalf("CaptureNow: %v", err)
	}

	first, err := svc.LoadBackup(ctx)
	if err != nil || first == nil {
		t.Fatalf("LoadBackup: %v (%v)", first, err)
	}

	if _, err := svc.CaptureNow(ctx); err != nil {
		t.Fatalf("second CaptureNow: %v", err)
	}

	second, err := svc.LoadBackup(ctx)
	if err != nil || second == nil {
		t.Fatalf("LoadBackup: %v (%v)", second, err)
	}

	if second.Timestamp <= first.Timestamp {
		t.Errorf("backup slot not overwritten: %d then %d", first.Timestamp, second.Timestamp)
	}
}

func TestBackupSlot_TooLargeSkippedLocalStillAuthoritative(t *testing.T) {
	t.Parallel()

	// A huge window of high-entropy URLs against a tiny quota.
	var tabs []session.Tab

	for i := 0; i < 400; i++ {
		tabs = append(tabs, session.Tab{
			ID:    i,
			URL:   fmt.Sprintf("https://example.com/%d/%d", i*7919, i*104729),
			Index: i,
		})
	}

	browser := newFakeBrowser(session.Window{ID: 1, Tabs: tabs})

	local := kvstore.NewMemory(0)
	syncKV := kvstore.NewMemory(256)

	svc := NewService(&ServiceConfig{
		Browser: browser,
		Local:   local,
		Codec:   chunkstore.New(syncKV, testLogger(t), chunkstore.WithMaxChunks(4)),
		Logger:  testLogger(t),
	})

	ctx := context.Background()

	snap, err := svc.CaptureNow(ctx)
	if err != nil || snap == nil {
		t.Fatalf("CaptureNow: %v (%v)", snap, err)
	}

	// The local rotation holds it; the backup slot does not.
	if got, _ := svc.Get(ctx, snap.ID); got == nil {
		t.Error("local rotation lost the snapshot")
	}

	if backup, _ := svc.LoadBackup(ctx); backup != nil {
		t.Error("oversized snapshot reached the backup slot")
	}
}

func TestRestore_RecreatesLayout(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(mixedWindow())
	svc, _, _ := newTestService(t, browser)
	ctx := context.Background()

	snap, err := svc.CaptureNow(ctx)
	if err != nil || snap == nil {
		t.Fatalf("CaptureNow: %v (%v)", snap, err)
	}

	result, err := svc.RestoreFromSnapshot(ctx, snap.ID)
	if err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}

	if result.WindowsCreated != 1 || result.TabsCreated != 2 || result.GroupsCreated != 1 {
		t.Errorf("result = %+v", result)
	}

	windowID := browser.createdWindows[0]
	created := browser.createdTabs[windowID]

	if len(created) != 2 || created[0].URL != "https://example.com" {
		t.Errorf("created tabs = %+v", created)
	}
}

func TestRestore_GroupFailureTolerated(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(mixedWindow())
	browser.groupErr = errors.New("tab groups unavailable")

	svc, _, _ := newTestService(t, browser)
	ctx := context.Background()

	snap, err := svc.CaptureNow(ctx)
	if err != nil || snap == nil {
		t.Fatalf("CaptureNow: %v (%v)", snap, err)
	}

	result, err := svc.RestoreFromSnapshot(ctx, snap.ID)
	if err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}

	if result.WindowsCreated != 1 || result.TabsCreated != 2 || result.GroupsCreated != 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestRestore_UnknownID(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, newFakeBrowser())

	result, err := svc.RestoreFromSnapshot(context.Background(), "recovery:404")
	if err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}

	if result != nil {
		t.Errorf("restore of unknown id = %+v", result)
	}
}

func TestDebounce_CollapsesBursts(t *testing.T) {
	t.Parallel()

	browser := newFakeBrowser(mixedWindow())
	svc, local, _ := newTestService(t, browser)
	ctx := context.Background()

	now := time.UnixMilli(1_000_000)
	svc.nowFunc = func() time.Time { return now }

	// First event fires immediately (last capture is zero time).
	svc.OnBrowserEvent(ctx)

	countAfterFirst := local.Len()
	if countAfterFirst == 0 {
		t.Fatal("first event produced no capture")
	}

	// A burst within the window schedules exactly one trailing capture.
	for i := 0; i < 10; i++ {
		now = now.Add(time.Millisecond)
		svc.OnBrowserEvent(ctx)
	}

	if local.Len() != countAfterFirst {
		t.Error("burst captured immediately instead of debouncing")
	}

	svc.mu.Lock()
	hasTimer := svc.timer != nil
	svc.mu.Unlock()

	if !hasTimer {
		t.Error("no trailing capture scheduled for burst")
	}

	svc.Stop()
}
