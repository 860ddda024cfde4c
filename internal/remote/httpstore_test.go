package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sessionvault/sessionvault/internal/cryptobox"
)

// blobServer is a minimal file-blob provider backed by a map.
type blobServer struct {
	mu    sync.Mutex
	blobs map[string][]byte

	// failures maps a blob name to a queue of status codes returned
	// before requests start succeeding.
	failures map[string][]int
}

func newBlobServer() *blobServer {
	return &blobServer{
		blobs:    make(map[string][]byte),
		failures: make(map[string][]int),
	}
}

func (b *blobServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		b.mu.Lock()
		defer b.mu.Unlock()

		if r.URL.Path == "/files" {
			b.handleList(w, r)
			return
		}

		name := strings.TrimPrefix(r.URL.Path, "/files/")

		if codes := b.failures[name]; len(codes) > 0 {
			code := codes[0]
			b.failures[name] = codes[1:]
			w.WriteHeader(code)

			return
		}

		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			b.blobs[name] = body
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			data, ok := b.blobs[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data) //nolint:errcheck // test server
		case http.MethodDelete:
			if _, ok := b.blobs[name]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(b.blobs, name)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func (b *blobServer) handleList(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	type fileEntry struct {
		Name         string `json:"name"`
		Size         int64  `json:"size"`
		ModifiedTime int64  `json:"modifiedTime"`
	}

	resp := struct {
		Files []fileEntry `json:"files"`
	}{Files: []fileEntry{}}

	for name, data := range b.blobs {
		if strings.HasPrefix(name, prefix) {
			resp.Files = append(resp.Files, fileEntry{Name: name, Size: int64(len(data))})
		}
	}

	json.NewEncoder(w).Encode(resp) //nolint:errcheck // test server
}

// newTestStore wires an HTTPStore to a blobServer with instant retries.
func newTestStore(t *testing.T) (*HTTPStore, *blobServer) {
	t.Helper()

	server := newBlobServer()
	ts := httptest.NewServer(server.handler())
	t.Cleanup(ts.Close)

	store := NewHTTPStore(ts.URL, ts.Client(), nil)
	store.sleepFunc = func(context.Context, time.Duration) error { return nil }

	return store, server
}

func TestHTTPStore_ManifestRoundTrip(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()

	got, err := store.DownloadManifest(ctx, "test-token")
	if err != nil {
		t.Fatalf("DownloadManifest: %v", err)
	}

	if got != nil {
		t.Fatal("manifest exists before upload")
	}

	m := NewManifest("dev-1")
	m.UpsertSession(SessionMeta{ID: "s1", Name: "work", UpdatedAt: 42, TabCount: 2, Checksum: "cafe"})

	if err := store.UploadManifest(ctx, "test-token", m); err != nil {
		t.Fatalf("UploadManifest: %v", err)
	}

	got, err = store.DownloadManifest(ctx, "test-token")
	if err != nil || got == nil {
		t.Fatalf("DownloadManifest after upload: %v (%v)", got, err)
	}

	if got.DeviceID != "dev-1" || len(got.Sessions) != 1 || got.Sessions[0].ID != "s1" {
		t.Errorf("manifest round trip mismatch: %+v", got)
	}
}

func TestHTTPStore_SessionLifecycle(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()

	payload := &cryptobox.EncryptedPayload{Version: 1, IV: "aXY=", Ciphertext: "Y3Q="}

	if err := store.UploadSession(ctx, "test-token", "s1", payload); err != nil {
		t.Fatalf("UploadSession: %v", err)
	}

	got, err := store.DownloadSession(ctx, "test-token", "s1")
	if err != nil || got == nil {
		t.Fatalf("DownloadSession: %v (%v)", got, err)
	}

	if got.IV != payload.IV || got.Ciphertext != payload.Ciphertext {
		t.Errorf("payload mismatch: %+v", got)
	}

	files, err := store.ListSessionFiles(ctx, "test-token")
	if err != nil || len(files) != 1 {
		t.Fatalf("ListSessionFiles: %v (%v)", files, err)
	}

	if files[0].Name != "sessions/s1.enc" {
		t.Errorf("file name = %q", files[0].Name)
	}

	info, err := store.GetStorageInfo(ctx, "test-token")
	if err != nil || info.SessionCount != 1 || info.TotalSize == 0 {
		t.Fatalf("GetStorageInfo: %+v (%v)", info, err)
	}

	if err := store.DeleteSession(ctx, "test-token", "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	// Idempotent: deleting again succeeds.
	if err := store.DeleteSession(ctx, "test-token", "s1"); err != nil {
		t.Fatalf("second DeleteSession: %v", err)
	}

	got, err = store.DownloadSession(ctx, "test-token", "s1")
	if err != nil || got != nil {
		t.Errorf("session survives delete: %v (%v)", got, err)
	}
}

func TestHTTPStore_RetriesTransient(t *testing.T) {
	t.Parallel()

	store, server := newTestStore(t)
	ctx := context.Background()

	server.failures["manifest.json"] = []int{http.StatusServiceUnavailable, http.StatusInternalServerError}

	if err := store.UploadManifest(ctx, "test-token", NewManifest("dev-1")); err != nil {
		t.Fatalf("UploadManifest with transient failures: %v", err)
	}
}

func TestHTTPStore_ErrorClassification(t *testing.T) {
	t.Parallel()

	store, server := newTestStore(t)
	ctx := context.Background()

	// 401 → ErrAuthExpired (no retry).
	_, err := store.DownloadManifest(ctx, "wrong-token")
	if !errors.Is(err, ErrAuthExpired) {
		t.Errorf("bad token: err = %v, want ErrAuthExpired", err)
	}

	// Persistent 5xx exhausts retries → ErrTransient.
	server.failures["keydata.json"] = []int{500, 500, 500, 500, 500, 500}

	_, err = store.DownloadKeyData(ctx, "test-token")
	if !errors.Is(err, ErrTransient) {
		t.Errorf("persistent 5xx: err = %v, want ErrTransient", err)
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) && storeErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", storeErr.StatusCode)
	}
}

func TestHTTPStore_ClearAllData(t *testing.T) {
	t.Parallel()

	store, server := newTestStore(t)
	ctx := context.Background()

	payload := &cryptobox.EncryptedPayload{Version: 1, IV: "aXY=", Ciphertext: "Y3Q="}

	for _, id := range []string{"a", "b", "c"} {
		if err := store.UploadSession(ctx, "test-token", id, payload); err != nil {
			t.Fatalf("UploadSession %s: %v", id, err)
		}
	}

	if err := store.UploadManifest(ctx, "test-token", NewManifest("dev-1")); err != nil {
		t.Fatalf("UploadManifest: %v", err)
	}

	if err := store.UploadKeyData(ctx, "test-token", &cryptobox.KeyData{Salt: "c2FsdA=="}); err != nil {
		t.Fatalf("UploadKeyData: %v", err)
	}

	if err := store.ClearAllData(ctx, "test-token"); err != nil {
		t.Fatalf("ClearAllData: %v", err)
	}

	server.mu.Lock()
	remaining := len(server.blobs)
	server.mu.Unlock()

	if remaining != 0 {
		t.Errorf("%d blobs survive clear", remaining)
	}
}

func TestClassifyStatus_RateLimitedVariants(t *testing.T) {
	t.Parallel()

	if err := classifyStatus(http.StatusForbidden, `{"reason":"rateLimitExceeded"}`); !errors.Is(err, ErrRateLimited) {
		t.Errorf("403 ratelimit: %v", err)
	}

	if err := classifyStatus(http.StatusForbidden, "insufficient permissions"); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("403 other: %v", err)
	}

	if err := classifyStatus(http.StatusTooManyRequests, ""); !errors.Is(err, ErrRateLimited) {
		t.Errorf("429: %v", err)
	}
}
