package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sessionvault/sessionvault/internal/chunkstore"
	"github.com/sessionvault/sessionvault/internal/kvstore"
	"github.com/sessionvault/sessionvault/internal/session"
)

// Local rotation and debounce defaults.
const (
	DefaultMaxSnapshots = 5
	DefaultDebounce     = 3 * time.Second

	// snapshotIndexKey holds the ordered id list of the local rotation.
	snapshotIndexKey = "recovery:snapshots"

	// backupKeySpace is the chunked remote-backup slot.
	backupKeySpace = "recovery:latest"
)

// Service captures, rotates, and restores recovery snapshots.
type Service struct {
	browser Browser
	local   kvstore.Store     // unbounded local rotation
	codec   *chunkstore.Codec // quota-bounded backup slot, nil disables
	logger  *slog.Logger

	maxSnapshots int
	debounce     time.Duration

	mu          sync.Mutex
	lastCapture time.Time
	timer       *time.Timer

	nowFunc func() time.Time
}

// ServiceConfig holds the options for NewService.
type ServiceConfig struct {
	Browser Browser
	Local   kvstore.Store
	// Codec writes the remote-backup slot; nil disables the slot and
	// leaves the local rotation as the only persistence.
	Codec        *chunkstore.Codec
	MaxSnapshots int           // default 5
	Debounce     time.Duration // default 3s
	Logger       *slog.Logger
}

// NewService creates a recovery snapshot service.
func NewService(cfg *ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxSnapshots := cfg.MaxSnapshots
	if maxSnapshots == 0 {
		maxSnapshots = DefaultMaxSnapshots
	}

	debounce := cfg.Debounce
	if debounce == 0 {
		debounce = DefaultDebounce
	}

	return &Service{
		browser:      cfg.Browser,
		local:        cfg.Local,
		codec:        cfg.Codec,
		logger:       logger,
		maxSnapshots: maxSnapshots,
		debounce:     debounce,
		nowFunc:      time.Now,
	}
}

// OnBrowserEvent is the debounced capture trigger. If the last snapshot
// is older than the debounce window, a capture fires immediately;
// otherwise a trailing timer collapses the burst into one capture.
func (s *Service) OnBrowserEvent(ctx context.Context) {
	s.mu.Lock()

	now := s.nowFunc()
	if now.Sub(s.lastCapture) >= s.debounce {
		s.lastCapture = now
		s.mu.Unlock()

		if _, err := s.CaptureNow(ctx); err != nil {
			s.logger.Warn("event-triggered capture failed", slog.String("error", err.Error()))
		}

		return
	}

	if s.timer == nil {
		wait := s.debounce - now.Sub(s.lastCapture)
		s.timer = time.AfterFunc(wait, func() {
			s.mu.Lock()
			s.timer = nil
			s.lastCapture = s.nowFunc()
			s.mu.Unlock()

			if _, err := s.CaptureNow(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("debounced capture failed", slog.String("error", err.Error()))
			}
		})
	}

	s.mu.Unlock()
}

// Stop cancels any pending debounced capture.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// CaptureNow enumerates the browser and persists a snapshot. When no
// eligible tab exists, no snapshot is produced and no error returned.
func (s *Service) CaptureNow(ctx context.Context) (*Snapshot, error) {
	windows, err := s.browser.EnumerateWindows(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: enumerating windows: %w", err)
	}

	snap := buildSnapshot(windows, s.nowFunc().UnixMilli())
	if snap == nil {
		s.logger.Debug("no eligible tabs, snapshot skipped")
		return nil, nil //nolint:nilnil // nil snapshot means "nothing to capture"
	}

	if err := s.persist(ctx, snap); err != nil {
		return nil, err
	}

	s.logger.Info("recovery snapshot captured",
		slog.String("id", snap.ID),
		slog.Int("windows", snap.Stats.WindowCount),
		slog.Int("tabs", snap.Stats.TabCount),
	)

	return snap, nil
}

// persist writes the snapshot into the local rotation and overwrites
// the remote backup slot. A TooLarge backup slot is logged and skipped;
// the local rotation is still authoritative.
func (s *Service) persist(ctx context.Context, snap *Snapshot) error {
	if err := s.local.Set(ctx, snap.ID, snap); err != nil {
		return fmt.Errorf("recovery: storing snapshot %s: %w", snap.ID, err)
	}

	if err := s.rotate(ctx, snap.ID); err != nil {
		return err
	}

	if s.codec != nil {
		err := s.codec.Save(ctx, backupKeySpace, snap, snap.Stats.TabCount)

		switch {
		case errors.Is(err, chunkstore.ErrTooLarge):
			s.logger.Warn("snapshot too large for backup slot, skipped",
				slog.String("id", snap.ID),
				slog.Int("tabs", snap.Stats.TabCount),
			)
		case err != nil:
			s.logger.Warn("backup slot write failed",
				slog.String("id", snap.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// rotate prepends the new id to the index and drops entries beyond the
// rotation size, newest first.
func (s *Service) rotate(ctx context.Context, newID string) error {
	var ids []string

	if _, err := s.local.Get(ctx, snapshotIndexKey, &ids); err != nil {
		return fmt.Errorf("recovery: reading snapshot index: %w", err)
	}

	ids = append([]string{newID}, ids...)

	if len(ids) > s.maxSnapshots {
		stale := ids[s.maxSnapshots:]
		ids = ids[:s.maxSnapshots]

		if err := s.local.Delete(ctx, stale...); err != nil {
			return fmt.Errorf("recovery: dropping stale snapshots: %w", err)
		}
	}

	if err := s.local.Set(ctx, snapshotIndexKey, ids); err != nil {
		return fmt.Errorf("recovery: writing snapshot index: %w", err)
	}

	return nil
}

// List returns the local rotation, newest first.
func (s *Service) List(ctx context.Context) ([]*Snapshot, error) {
	var ids []string

	if _, err := s.local.Get(ctx, snapshotIndexKey, &ids); err != nil {
		return nil, fmt.Errorf("recovery: reading snapshot index: %w", err)
	}

	snapshots := make([]*Snapshot, 0, len(ids))

	for _, id := range ids {
		var snap Snapshot

		ok, err := s.local.Get(ctx, id, &snap)
		if err != nil {
			return nil, fmt.Errorf("recovery: reading snapshot %s: %w", id, err)
		}

		if ok {
			snapshots = append(snapshots, &snap)
		}
	}

	// The index is maintained newest-first; keep the order stable even
	// if it was hand-edited.
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp > snapshots[j].Timestamp
	})

	return snapshots, nil
}

// Get looks a snapshot up by id. Returns (nil, nil) when absent.
func (s *Service) Get(ctx context.Context, id string) (*Snapshot, error) {
	var snap Snapshot

	ok, err := s.local.Get(ctx, id, &snap)
	if err != nil {
		return nil, fmt.Errorf("recovery: reading snapshot %s: %w", id, err)
	}

	if !ok {
		return nil, nil //nolint:nilnil // nil snapshot means "not found"
	}

	return &snap, nil
}

// LoadBackup reads the chunked remote-backup slot. Returns (nil, nil)
// when no complete backup exists.
func (s *Service) LoadBackup(ctx context.Context) (*Snapshot, error) {
	if s.codec == nil {
		return nil, nil //nolint:nilnil // backup slot disabled
	}

	var snap Snapshot

	ok, err := s.codec.Load(ctx, backupKeySpace, &snap)
	if err != nil {
		return nil, fmt.Errorf("recovery: reading backup slot: %w", err)
	}

	if !ok {
		return nil, nil //nolint:nilnil // no complete backup
	}

	return &snap, nil
}

// RestoreResult reports what a restore actually created.
type RestoreResult struct {
	WindowsCreated int
	TabsCreated    int
	GroupsCreated  int
}

// RestoreFromSnapshot recreates the snapshot's windows, tabs, and
// groups. Group creation failures are tolerated: the tabs stay
// ungrouped and the restore still reports what it created. Returns
// (nil, nil) when the snapshot id is unknown.
func (s *Service) RestoreFromSnapshot(ctx context.Context, id string) (*RestoreResult, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if snap == nil {
		return nil, nil //nolint:nilnil // unknown snapshot id
	}

	result := &RestoreResult{}

	for wi := range snap.Windows {
		if err := s.restoreWindow(ctx, &snap.Windows[wi], result); err != nil {
			return result, err
		}
	}

	s.logger.Info("snapshot restored",
		slog.String("id", id),
		slog.Int("windows", result.WindowsCreated),
		slog.Int("tabs", result.TabsCreated),
		slog.Int("groups", result.GroupsCreated),
	)

	return result, nil
}

// restoreWindow creates one window with its tabs in index order, then
// assembles groups best-effort.
func (s *Service) restoreWindow(ctx context.Context, w *session.Window, result *RestoreResult) error {
	if len(w.Tabs) == 0 {
		return nil
	}

	windowID, err := s.browser.CreateWindow(ctx)
	if err != nil {
		return fmt.Errorf("recovery: creating window: %w", err)
	}

	result.WindowsCreated++

	// groupTabs collects the created tab ids per source group id.
	groupTabs := make(map[int][]int)

	tabs := append([]session.Tab(nil), w.Tabs...)
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].Index < tabs[j].Index })

	for _, tab := range tabs {
		tabID, err := s.browser.CreateTab(ctx, windowID, tab)
		if err != nil {
			return fmt.Errorf("recovery: creating tab %q: %w", tab.URL, err)
		}

		result.TabsCreated++

		if tab.GroupID != nil {
			groupTabs[*tab.GroupID] = append(groupTabs[*tab.GroupID], tabID)
		}
	}

	for _, g := range w.Groups {
		tabIDs := groupTabs[g.ID]
		if len(tabIDs) == 0 {
			continue
		}

		if err := s.browser.CreateGroup(ctx, windowID, g, tabIDs); err != nil {
			// Tolerated: the tabs are restored ungrouped.
			s.logger.Warn("group restore failed, tabs left ungrouped",
				slog.Int("group_id", g.ID),
				slog.String("title", g.Title),
				slog.String("error", err.Error()),
			)

			continue
		}

		result.GroupsCreated++
	}

	return nil
}
