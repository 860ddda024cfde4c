package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/sessionvault/sessionvault/internal/kvstore"
)

// payload is the structured value used across codec tests.
type payload struct {
	ID      string   `json:"id"`
	URLs    []string `json:"urls"`
	Counter int      `json:"counter"`
}

// randomURLs produces n high-entropy URLs (worst case for compression).
func randomURLs(t *testing.T, n int) []string {
	t.Helper()

	rng := rand.New(rand.NewSource(42))
	urls := make([]string, n)

	for i := range urls {
		buf := make([]byte, 48)
		rng.Read(buf)
		urls[i] = fmt.Sprintf("https://example.com/%x", buf)
	}

	return urls
}

func newTestCodec(quota int, opts ...Option) (*Codec, *kvstore.Memory) {
	kv := kvstore.NewMemory(quota)

	return New(kv, nil, opts...), kv
}

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	cases := []struct {
		name string
		n    int
	}{
		{"tiny", 1},
		{"single chunk", 5},
		{"many chunks", 300},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			codec, kv := newTestCodec(kvstore.DefaultQuotaBytesPerItem)
			in := payload{ID: "snap", URLs: randomURLs(t, tc.n), Counter: tc.n}

			if err := codec.Save(ctx, "backup", in, tc.n); err != nil {
				t.Fatalf("Save: %v", err)
			}

			var out payload

			ok, err := codec.Load(ctx, "backup", &out)
			if err != nil || !ok {
				t.Fatalf("Load: ok=%v err=%v", ok, err)
			}

			if out.ID != in.ID || out.Counter != in.Counter || len(out.URLs) != len(in.URLs) {
				t.Fatalf("round trip mismatch: %d urls, counter %d", len(out.URLs), out.Counter)
			}

			for i := range in.URLs {
				if out.URLs[i] != in.URLs[i] {
					t.Fatalf("url %d mismatch", i)
				}
			}

			// Every stored item must fit the quota.
			keys, err := kv.Keys(ctx, "backup:")
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}

			for _, k := range keys {
				if size := kv.RawSize(k); size > kvstore.DefaultQuotaBytesPerItem {
					t.Errorf("item %q is %d bytes, exceeds quota", k, size)
				}
			}
		})
	}
}

func TestCodec_TooLargeNoWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	codec, kv := newTestCodec(512, WithMaxChunks(3))

	in := payload{ID: "huge", URLs: randomURLs(t, 200)}

	err := codec.Save(ctx, "backup", in, 200)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Save: err = %v, want ErrTooLarge", err)
	}

	if kv.Len() != 0 {
		t.Errorf("TooLarge save performed %d writes", kv.Len())
	}
}

func TestCodec_MissingChunkReturnsAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	codec, kv := newTestCodec(512)

	in := payload{ID: "snap", URLs: randomURLs(t, 40)}

	if err := codec.Save(ctx, "backup", in, 40); err != nil {
		t.Fatalf("Save: %v", err)
	}

	keys, err := kv.Keys(ctx, "backup:chunk-")
	if err != nil || len(keys) < 2 {
		t.Fatalf("expected multiple chunks, got %v (err %v)", keys, err)
	}

	// Delete one chunk: the value must read as absent, never corrupt.
	if err := kv.Delete(ctx, keys[1]); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var out payload

	ok, err := codec.Load(ctx, "backup", &out)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if ok {
		t.Error("Load returned a value despite a missing chunk")
	}
}

func TestCodec_CorruptChunkReturnsAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	codec, kv := newTestCodec(512)

	if err := codec.Save(ctx, "backup", payload{ID: "x", URLs: randomURLs(t, 40)}, 40); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := kv.Set(ctx, "backup:chunk-0", "not!base64!!"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var out payload

	ok, err := codec.Load(ctx, "backup", &out)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if ok {
		t.Error("Load returned a value from corrupt chunks")
	}
}

func TestCodec_AbsentKeySpace(t *testing.T) {
	t.Parallel()

	codec, _ := newTestCodec(512)

	var out payload

	ok, err := codec.Load(context.Background(), "nothing", &out)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if ok {
		t.Error("Load reported a value for an empty key space")
	}
}

func TestCodec_LegacySingleBlob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	codec, kv := newTestCodec(0)

	in := payload{ID: "legacy", Counter: 3}

	// Old format: the compressed string stored directly at the key space.
	compressed, err := compress(in)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	if err := kv.Set(ctx, "backup", compressed); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var out payload

	ok, err := codec.Load(ctx, "backup", &out)
	if err != nil || !ok {
		t.Fatalf("Load legacy compressed: ok=%v err=%v", ok, err)
	}

	if out.ID != "legacy" || out.Counter != 3 {
		t.Errorf("legacy round trip mismatch: %+v", out)
	}

	// Older format: the raw JSON object at the key space.
	if err := kv.Delete(ctx, "backup"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if err := kv.Set(ctx, "backup", payload{ID: "older", Counter: 9}); err != nil {
		t.Fatalf("Set raw: %v", err)
	}

	var out2 payload

	ok, err = codec.Load(ctx, "backup", &out2)
	if err != nil || !ok {
		t.Fatalf("Load legacy raw: ok=%v err=%v", ok, err)
	}

	if out2.ID != "older" || out2.Counter != 9 {
		t.Errorf("legacy raw mismatch: %+v", out2)
	}
}

func TestCodec_ClearRemovesEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	codec, kv := newTestCodec(512)

	if err := codec.Save(ctx, "backup", payload{ID: "x", URLs: randomURLs(t, 40)}, 40); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Plant a legacy blob too.
	if err := kv.Set(ctx, "backup", "legacy"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := codec.Clear(ctx, "backup"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if kv.Len() != 0 {
		keys, _ := kv.Keys(ctx, "")
		t.Errorf("Clear left %v behind", keys)
	}
}

func TestCodec_SaveOverwritesStaleChunks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	codec, kv := newTestCodec(512)

	big := payload{ID: "big", URLs: randomURLs(t, 60)}
	if err := codec.Save(ctx, "backup", big, 60); err != nil {
		t.Fatalf("Save big: %v", err)
	}

	bigChunks, _ := kv.Keys(ctx, "backup:chunk-")

	small := payload{ID: "small", Counter: 1}
	if err := codec.Save(ctx, "backup", small, 0); err != nil {
		t.Fatalf("Save small: %v", err)
	}

	smallChunks, _ := kv.Keys(ctx, "backup:chunk-")
	if len(smallChunks) >= len(bigChunks) {
		t.Fatalf("stale chunks not removed: %d -> %d", len(bigChunks), len(smallChunks))
	}

	var out payload

	ok, err := codec.Load(ctx, "backup", &out)
	if err != nil || !ok || out.ID != "small" {
		t.Errorf("after overwrite: ok=%v err=%v out=%+v", ok, err, out)
	}
}

func TestSplitString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		s    string
		size int
		want []string
	}{
		{"", 4, []string{""}},
		{"abc", 4, []string{"abc"}},
		{"abcd", 4, []string{"abcd"}},
		{"abcde", 4, []string{"abcd", "e"}},
		{strings.Repeat("x", 12), 4, []string{"xxxx", "xxxx", "xxxx"}},
	}

	for _, tc := range cases {
		got := splitString(tc.s, tc.size)
		if len(got) != len(tc.want) {
			t.Errorf("splitString(%q, %d) = %v", tc.s, tc.size, got)
			continue
		}

		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("chunk %d = %q, want %q", i, got[i], tc.want[i])
			}
		}
	}
}
