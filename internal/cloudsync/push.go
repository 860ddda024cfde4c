package cloudsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sessionvault/sessionvault/internal/cryptobox"
	"github.com/sessionvault/sessionvault/internal/remote"
	"github.com/sessionvault/sessionvault/internal/session"
	"github.com/sessionvault/sessionvault/internal/store"
)

// PushSession uploads one session and updates the manifest. While the
// engine is locked the operation transparently enqueues and reports
// success; remote failures also fall back to the queue. An unknown
// session id is a no-op.
func (e *Engine) PushSession(ctx context.Context, sessionID string) error {
	if _, ok := e.unlockedKey(); !ok {
		return e.enqueue(ctx, store.OpUpload, sessionID)
	}

	sess, err := e.local.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if sess == nil {
		e.logger.Debug("push skipped, session unknown", slog.String("session_id", sessionID))
		return nil
	}

	token, err := e.accessToken(ctx)
	if err != nil {
		e.logger.Warn("push deferred to queue, no token",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)

		return e.enqueue(ctx, store.OpUpload, sessionID)
	}

	if err := e.uploadWithManifest(ctx, token, sess); err != nil {
		e.logger.Warn("push failed, enqueued for retry",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)

		return e.enqueue(ctx, store.OpUpload, sessionID)
	}

	return nil
}

// DeleteSessionFromCloud removes a session's remote blob and records a
// tombstone in the manifest. Locked or failing operations enqueue.
func (e *Engine) DeleteSessionFromCloud(ctx context.Context, sessionID string) error {
	if _, ok := e.unlockedKey(); !ok {
		return e.enqueue(ctx, store.OpDelete, sessionID)
	}

	token, err := e.accessToken(ctx)
	if err != nil {
		return e.enqueue(ctx, store.OpDelete, sessionID)
	}

	if err := e.deleteWithTombstone(ctx, token, sessionID); err != nil {
		e.logger.Warn("cloud delete failed, enqueued for retry",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)

		return e.enqueue(ctx, store.OpDelete, sessionID)
	}

	return nil
}

// enqueue coalesces an operation into the durable queue and mirrors the
// queue depth into the status record.
func (e *Engine) enqueue(ctx context.Context, kind, sessionID string) error {
	if err := e.local.Enqueue(ctx, kind, sessionID); err != nil {
		return err
	}

	if count, err := e.local.PendingCount(ctx); err == nil {
		if err := e.local.SetPendingCount(ctx, count); err != nil {
			e.logger.Warn("updating pending count failed", slog.String("error", err.Error()))
		}
	}

	return nil
}

// uploadWithManifest is the upload-plus-manifest-update subroutine:
// encrypt the session envelope, overwrite the remote blob, then upsert
// the manifest entry. Arbitrarily many calls for the same id converge:
// the blob replaces the previous payload and the upsert is keyed by id.
func (e *Engine) uploadWithManifest(ctx context.Context, token string, sess *session.Session) error {
	key, ok := e.unlockedKey()
	if !ok {
		return ErrLocked
	}

	envelope := sessionEnvelope{
		Session:   sess,
		DeviceID:  e.deviceID,
		Timestamp: e.nowFunc().UnixMilli(),
	}

	payload, err := cryptobox.EncryptObject(envelope, key)
	if err != nil {
		return fmt.Errorf("cloudsync: encrypting session %s: %w", sess.ID, err)
	}

	if err := e.remote.UploadSession(ctx, token, sess.ID, payload); err != nil {
		return fmt.Errorf("cloudsync: uploading session %s: %w", sess.ID, err)
	}

	manifest, err := e.remote.DownloadManifest(ctx, token)
	if err != nil {
		return fmt.Errorf("cloudsync: downloading manifest: %w", err)
	}

	if manifest == nil {
		manifest = remote.NewManifest(e.deviceID)
	}

	manifest.UpsertSession(remote.SessionMeta{
		ID:        sess.ID,
		Name:      sess.Name,
		UpdatedAt: sess.UpdatedAt,
		TabCount:  sess.TabCount(),
		Checksum:  sessionChecksum(sess),
	})
	manifest.DeviceID = e.deviceID

	if err := e.remote.UploadManifest(ctx, token, manifest); err != nil {
		return fmt.Errorf("cloudsync: uploading manifest: %w", err)
	}

	if err := e.local.MarkSynced(ctx, sess.ID); err != nil {
		return err
	}

	e.logger.Info("session uploaded",
		slog.String("session_id", sess.ID),
		slog.Int("tabs", sess.TabCount()),
	)

	return nil
}

// deleteWithTombstone is the delete-plus-tombstone subroutine. The blob
// delete is idempotent; the tombstone dedups by id.
func (e *Engine) deleteWithTombstone(ctx context.Context, token, sessionID string) error {
	if err := e.remote.DeleteSession(ctx, token, sessionID); err != nil {
		return fmt.Errorf("cloudsync: deleting session %s: %w", sessionID, err)
	}

	manifest, err := e.remote.DownloadManifest(ctx, token)
	if err != nil {
		return fmt.Errorf("cloudsync: downloading manifest: %w", err)
	}

	if manifest == nil {
		manifest = remote.NewManifest(e.deviceID)
	}

	manifest.AddTombstone(sessionID, e.nowFunc().UnixMilli())
	manifest.DeviceID = e.deviceID

	if err := e.remote.UploadManifest(ctx, token, manifest); err != nil {
		return fmt.Errorf("cloudsync: uploading manifest: %w", err)
	}

	if err := e.local.UnmarkSynced(ctx, sessionID); err != nil {
		return err
	}

	e.logger.Info("session deleted from cloud", slog.String("session_id", sessionID))

	return nil
}

// ProcessResult summarizes one queue-draining pass.
type ProcessResult struct {
	Processed int
	Failed    int
}

// ProcessQueue drains every currently eligible queue item. Uploads whose
// session has vanished locally complete immediately; the corresponding
// remote delete propagates through the next full sync. Failures are
// rescheduled with backoff by the queue itself.
func (e *Engine) ProcessQueue(ctx context.Context) (*ProcessResult, error) {
	if _, ok := e.unlockedKey(); !ok {
		return nil, ErrLocked
	}

	result := &ProcessResult{}

	for {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("cloudsync: queue processing canceled: %w", err)
		}

		item, err := e.local.GetNext(ctx)
		if err != nil {
			return result, err
		}

		if item == nil {
			break
		}

		if err := e.processItem(ctx, item); err != nil {
			result.Failed++

			if failErr := e.local.MarkFailed(ctx, item.ID, err.Error()); failErr != nil {
				return result, failErr
			}

			continue
		}

		result.Processed++

		if err := e.local.MarkComplete(ctx, item.ID); err != nil {
			return result, err
		}
	}

	if count, err := e.local.PendingCount(ctx); err == nil {
		if err := e.local.SetPendingCount(ctx, count); err != nil {
			e.logger.Warn("updating pending count failed", slog.String("error", err.Error()))
		}
	}

	return result, nil
}

// processItem executes one queue item.
func (e *Engine) processItem(ctx context.Context, item *store.QueueItem) error {
	token, err := e.accessToken(ctx)
	if err != nil {
		return err
	}

	switch item.Kind {
	case store.OpUpload:
		sess, err := e.local.GetSession(ctx, item.SessionID)
		if err != nil {
			return err
		}

		if sess == nil {
			// Deleted while queued; the delete propagates via full sync.
			e.logger.Debug("queued upload dropped, session gone",
				slog.String("session_id", item.SessionID))

			return nil
		}

		return e.uploadWithManifest(ctx, token, sess)
	case store.OpDelete:
		return e.deleteWithTombstone(ctx, token, item.SessionID)
	default:
		return fmt.Errorf("cloudsync: unknown queue kind %q", item.Kind)
	}
}
