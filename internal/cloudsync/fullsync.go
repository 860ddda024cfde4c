package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sessionvault/sessionvault/internal/cryptobox"
	"github.com/sessionvault/sessionvault/internal/remote"
	"github.com/sessionvault/sessionvault/internal/session"
)

// SyncResult summarizes one full sync. Per-item failures are collected
// in Errors without aborting the run; Success reports whether the run
// reached the final manifest upload.
type SyncResult struct {
	Success    bool
	Uploaded   int
	Downloaded int
	Deleted    int
	Errors     []string
}

// PerformFullSync reconciles the local session library against the
// remote store:
//
//  1. Guard against reentrancy and mark the status record.
//  2. Refresh tokens.
//  3. Download the remote manifest.
//  4. Index local and remote sessions by id.
//  5. Upload local sessions that are new or newer.
//  6. Download remote sessions that are new or newer.
//  7. Apply remote tombstones locally.
//  8. Propagate local deletions (previously-synced ids now absent).
//  9. Prune expired tombstones.
//  10. Upload the updated manifest.
//  11. Record the outcome.
//
// Step 6 runs strictly after step 5 so a freshly uploaded session is
// never re-downloaded; step 8 runs after step 6 so sessions that were
// only ever remote are not mistaken for local deletions. On equal
// timestamps the existing local copy wins in both directions.
func (e *Engine) PerformFullSync(ctx context.Context) *SyncResult {
	result := &SyncResult{}

	e.mu.Lock()
	if e.key == nil {
		e.mu.Unlock()
		result.Errors = append(result.Errors, ErrLocked.Error())

		return result
	}

	if e.syncing {
		e.mu.Unlock()
		result.Errors = append(result.Errors, "already syncing")

		return result
	}

	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	if err := e.local.SetSyncing(ctx, true, "starting sync"); err != nil {
		result.Errors = append(result.Errors, err.Error())

		return result
	}

	err := e.runSync(ctx, result)

	finishCtx := ctx
	if finishCtx.Err() != nil {
		// The run was canceled; still clear the flag and record it.
		finishCtx = context.WithoutCancel(ctx)
	}

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.Canceled) {
			msg = "cancelled"
		}

		result.Errors = append(result.Errors, msg)

		if stateErr := e.local.SetLastError(finishCtx, msg); stateErr != nil {
			result.Errors = append(result.Errors, stateErr.Error())
		}
	} else {
		result.Success = true

		if stateErr := e.local.SetLastSync(finishCtx, e.nowFunc().UnixMilli()); stateErr != nil {
			result.Errors = append(result.Errors, stateErr.Error())
		}
	}

	if stateErr := e.local.SetSyncing(finishCtx, false, ""); stateErr != nil {
		result.Errors = append(result.Errors, stateErr.Error())
	}

	e.logger.Info("full sync finished",
		slog.Bool("success", result.Success),
		slog.Int("uploaded", result.Uploaded),
		slog.Int("downloaded", result.Downloaded),
		slog.Int("deleted", result.Deleted),
		slog.Int("errors", len(result.Errors)),
	)

	return result
}

// runSync executes the sync stages. A returned error aborts the run;
// per-item failures land in result.Errors instead.
func (e *Engine) runSync(ctx context.Context, result *SyncResult) error {
	key, ok := e.unlockedKey()
	if !ok {
		return ErrLocked
	}

	token, err := e.accessToken(ctx)
	if err != nil {
		return err
	}

	manifest, err := e.remote.DownloadManifest(ctx, token)
	if err != nil {
		return fmt.Errorf("cloudsync: downloading manifest: %w", err)
	}

	if manifest == nil {
		manifest = remote.NewManifest(e.deviceID)
	}

	locals, err := e.local.ListSessions(ctx)
	if err != nil {
		return err
	}

	localMap := make(map[string]*session.Session, len(locals))
	for _, sess := range locals {
		localMap[sess.ID] = sess
	}

	if err := e.syncStage(ctx, "uploading sessions"); err != nil {
		return err
	}

	e.uploadNewer(ctx, token, key, manifest, locals, result)

	if err := e.syncStage(ctx, "downloading sessions"); err != nil {
		return err
	}

	e.downloadNewer(ctx, token, key, manifest, localMap, result)

	if err := e.syncStage(ctx, "applying deletions"); err != nil {
		return err
	}

	e.applyTombstones(ctx, manifest, localMap, result)
	e.propagateLocalDeletions(ctx, token, manifest, localMap, result)

	cutoff := e.nowFunc().Add(-e.retain).UnixMilli()
	if pruned := manifest.PruneTombstones(cutoff); pruned > 0 {
		e.logger.Debug("tombstones pruned", slog.Int("count", pruned))
	}

	manifest.LastSync = e.nowFunc().UnixMilli()
	manifest.DeviceID = e.deviceID

	if err := e.remote.UploadManifest(ctx, token, manifest); err != nil {
		return fmt.Errorf("cloudsync: uploading manifest: %w", err)
	}

	return nil
}

// syncStage checks for cancellation and updates the progress label.
func (e *Engine) syncStage(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cloudsync: sync canceled: %w", err)
	}

	if err := e.local.SetCurrentOperation(ctx, label); err != nil {
		e.logger.Warn("updating progress label failed", slog.String("error", err.Error()))
	}

	return nil
}

// uploadNewer pushes every local session that is absent remotely or
// newer than the remote copy. Sessions the remote has tombstoned are
// skipped here and handled by tombstone application.
func (e *Engine) uploadNewer(
	ctx context.Context, token string, key *cryptobox.Key,
	manifest *remote.Manifest, locals []*session.Session, result *SyncResult,
) {
	for _, sess := range locals {
		if manifest.FindTombstone(sess.ID) != nil {
			continue
		}

		meta := manifest.FindSession(sess.ID)
		if meta != nil && sess.UpdatedAt <= meta.UpdatedAt {
			continue
		}

		checksum := sessionChecksum(sess)

		// A matching checksum refreshes the manifest entry without
		// re-uploading. The checksum covers the whole session, updatedAt
		// included, so a session whose only change is a newer timestamp
		// does not match here and is re-uploaded.
		if meta != nil && meta.Checksum == checksum {
			meta.UpdatedAt = sess.UpdatedAt
			meta.Name = sess.Name

			continue
		}

		if err := e.uploadOne(ctx, token, key, manifest, sess, checksum); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("upload %s: %v", sess.ID, err))
			continue
		}

		result.Uploaded++
	}
}

// uploadOne encrypts and uploads a single session and upserts its
// manifest entry in memory (the manifest itself is uploaded at the end
// of the run).
func (e *Engine) uploadOne(
	ctx context.Context, token string, key *cryptobox.Key,
	manifest *remote.Manifest, sess *session.Session, checksum string,
) error {
	envelope := sessionEnvelope{
		Session:   sess,
		DeviceID:  e.deviceID,
		Timestamp: e.nowFunc().UnixMilli(),
	}

	payload, err := cryptobox.EncryptObject(envelope, key)
	if err != nil {
		return err
	}

	if err := e.remote.UploadSession(ctx, token, sess.ID, payload); err != nil {
		return err
	}

	manifest.UpsertSession(remote.SessionMeta{
		ID:        sess.ID,
		Name:      sess.Name,
		UpdatedAt: sess.UpdatedAt,
		TabCount:  sess.TabCount(),
		Checksum:  checksum,
	})

	return e.local.MarkSynced(ctx, sess.ID)
}

// downloadNewer pulls every remote session that is absent locally or
// newer than the local copy. An id in the synced set with no local
// session was deleted on this device; it is not downloaded, so the
// deletion propagation stage can tombstone it. Payload failures (missing
// blob, decrypt error, schema error) are recorded per session and never
// abort the sync; the local session is left untouched on any failure.
func (e *Engine) downloadNewer(
	ctx context.Context, token string, key *cryptobox.Key,
	manifest *remote.Manifest, localMap map[string]*session.Session, result *SyncResult,
) {
	syncedIDs, err := e.local.SyncedIDs(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return
	}

	synced := make(map[string]bool, len(syncedIDs))
	for _, id := range syncedIDs {
		synced[id] = true
	}

	for i := range manifest.Sessions {
		meta := &manifest.Sessions[i]

		local, ok := localMap[meta.ID]
		if ok && local.UpdatedAt >= meta.UpdatedAt {
			continue
		}

		if !ok && synced[meta.ID] {
			continue
		}

		sess, err := e.downloadOne(ctx, token, key, meta)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("download %s: %v", meta.ID, err))
			continue
		}

		if err := e.local.PutSession(ctx, sess); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("store %s: %v", meta.ID, err))
			continue
		}

		if err := e.local.MarkSynced(ctx, meta.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("mark synced %s: %v", meta.ID, err))
			continue
		}

		localMap[meta.ID] = sess
		result.Downloaded++
	}
}

// downloadOne fetches and decrypts a single session blob.
func (e *Engine) downloadOne(
	ctx context.Context, token string, key *cryptobox.Key, meta *remote.SessionMeta,
) (*session.Session, error) {
	payload, err := e.remote.DownloadSession(ctx, token, meta.ID)
	if err != nil {
		return nil, err
	}

	if payload == nil {
		return nil, errors.New("blob missing")
	}

	var envelope sessionEnvelope
	if err := cryptobox.DecryptObject(payload, key, &envelope); err != nil {
		return nil, err
	}

	if envelope.Session == nil || envelope.Session.ID != meta.ID {
		return nil, errors.New("envelope id mismatch")
	}

	return envelope.Session, nil
}

// applyTombstones deletes local sessions the remote has tombstoned,
// unless the local copy was modified after the deletion (the local copy
// survives until the tombstone expires).
func (e *Engine) applyTombstones(
	ctx context.Context, manifest *remote.Manifest,
	localMap map[string]*session.Session, result *SyncResult,
) {
	for _, t := range manifest.Tombstones {
		local, ok := localMap[t.ID]
		if !ok || local.UpdatedAt > t.DeletedAt {
			continue
		}

		if err := e.local.DeleteSession(ctx, t.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("apply tombstone %s: %v", t.ID, err))
			continue
		}

		if err := e.local.UnmarkSynced(ctx, t.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("unmark %s: %v", t.ID, err))
			continue
		}

		delete(localMap, t.ID)
		result.Deleted++

		e.logger.Info("tombstone applied", slog.String("session_id", t.ID))
	}
}

// propagateLocalDeletions removes remote copies of sessions this device
// once synced but no longer has, recording a tombstone for each. A
// failed delete stays in the synced set and retries on the next sync.
func (e *Engine) propagateLocalDeletions(
	ctx context.Context, token string, manifest *remote.Manifest,
	localMap map[string]*session.Session, result *SyncResult,
) {
	syncedIDs, err := e.local.SyncedIDs(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return
	}

	for _, id := range syncedIDs {
		if _, ok := localMap[id]; ok {
			continue
		}

		if err := e.remote.DeleteSession(ctx, token, id); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("propagate delete %s: %v", id, err))
			continue
		}

		manifest.AddTombstone(id, e.nowFunc().UnixMilli())

		if err := e.local.UnmarkSynced(ctx, id); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("unmark %s: %v", id, err))
			continue
		}

		result.Deleted++

		e.logger.Info("local deletion propagated", slog.String("session_id", id))
	}
}
