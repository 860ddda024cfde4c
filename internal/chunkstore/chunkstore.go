// Package chunkstore adapts arbitrarily sized structured values onto a
// store with a small per-item quota. Values are JSON-serialized,
// lz4-compressed, split into ordered chunks that each fit the quota, and
// reassembled atomically on load: a reader never sees a partial write.
package chunkstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v4"

	"github.com/sessionvault/sessionvault/internal/kvstore"
)

// ErrTooLarge is returned by Save when the value would need more than the
// configured maximum number of chunks. No writes are performed.
var ErrTooLarge = errors.New("chunkstore: value too large for chunked storage")

// DefaultMaxChunks caps the number of chunks per value.
const DefaultMaxChunks = 100

// jsonStringOverhead is the JSON framing cost of storing a chunk string:
// the two surrounding quotes. Chunk payloads are base64, so no character
// ever needs escaping.
const jsonStringOverhead = 2

// chunkIndexDigits reserves room in the size budget for the chunk index
// suffix of the longest chunk key.
const chunkIndexDigits = 3

// Meta is the per-value metadata record written after all chunks.
type Meta struct {
	ChunkCount int   `json:"chunkCount"`
	Timestamp  int64 `json:"timestamp"`
	TabCount   int   `json:"tabCount"`
}

// json is the hot-path codec; compatible with encoding/json output.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// nowMillis is the default timestamp source.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Codec splits values into quota-sized chunks over a kvstore.Store.
type Codec struct {
	kv        kvstore.Store
	maxChunks int
	logger    *slog.Logger
	nowFunc   func() int64 // ms epoch, injectable for tests
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxChunks overrides the chunk-count ceiling.
func WithMaxChunks(n int) Option {
	return func(c *Codec) { c.maxChunks = n }
}

// WithNowFunc overrides the timestamp source.
func WithNowFunc(f func() int64) Option {
	return func(c *Codec) { c.nowFunc = f }
}

// New creates a Codec over the given store. The per-item byte ceiling is
// read from the store's advertised quota.
func New(kv kvstore.Store, logger *slog.Logger, opts ...Option) *Codec {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Codec{
		kv:        kv,
		maxChunks: DefaultMaxChunks,
		logger:    logger,
		nowFunc:   nowMillis,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// metaKey and chunkKey build the namespace of a key space.
func metaKey(keySpace string) string { return keySpace + ":meta" }

func chunkKey(keySpace string, i int) string {
	return fmt.Sprintf("%s:chunk-%d", keySpace, i)
}

// Save encodes value into chunks under keySpace. Existing chunks and
// metadata are removed first; the metadata record is written last so an
// interrupted save is indistinguishable from no save. Returns ErrTooLarge
// (with no writes) when the value needs more than the chunk ceiling.
func (c *Codec) Save(ctx context.Context, keySpace string, value any, tabCount int) error {
	compressed, err := compress(value)
	if err != nil {
		return err
	}

	chunkSize := c.chunkPayloadSize(keySpace)
	if chunkSize <= 0 {
		return fmt.Errorf("chunkstore: quota %d too small for key space %q", c.kv.QuotaBytesPerItem(), keySpace)
	}

	chunks := splitString(compressed, chunkSize)
	if len(chunks) > c.maxChunks {
		return fmt.Errorf("%w: %d chunks needed, max %d", ErrTooLarge, len(chunks), c.maxChunks)
	}

	if err := c.Clear(ctx, keySpace); err != nil {
		return err
	}

	for i, chunk := range chunks {
		if err := c.kv.Set(ctx, chunkKey(keySpace, i), chunk); err != nil {
			return fmt.Errorf("chunkstore: writing chunk %d of %q: %w", i, keySpace, err)
		}
	}

	meta := Meta{ChunkCount: len(chunks), Timestamp: c.nowFunc(), TabCount: tabCount}
	if err := c.kv.Set(ctx, metaKey(keySpace), meta); err != nil {
		return fmt.Errorf("chunkstore: writing meta of %q: %w", keySpace, err)
	}

	c.logger.Debug("chunked value saved",
		slog.String("key_space", keySpace),
		slog.Int("chunks", len(chunks)),
		slog.Int("compressed_bytes", len(compressed)),
	)

	return nil
}

// chunkPayloadSize computes how many payload characters fit in one chunk
// item after the key and JSON quoting are accounted for.
func (c *Codec) chunkPayloadSize(keySpace string) int {
	quota := c.kv.QuotaBytesPerItem()
	if quota == 0 {
		quota = kvstore.DefaultQuotaBytesPerItem
	}

	keyOverhead := len(keySpace) + len(":chunk-") + chunkIndexDigits

	return quota - keyOverhead - jsonStringOverhead
}

// Load reassembles the value stored under keySpace into out. Returns
// (false, nil) when no complete value exists: absent metadata with no
// legacy blob, a missing chunk, or any decode failure. An interrupted
// save is indistinguishable from no save.
func (c *Codec) Load(ctx context.Context, keySpace string, out any) (bool, error) {
	var meta Meta

	ok, err := c.kv.Get(ctx, metaKey(keySpace), &meta)
	if err != nil {
		return false, fmt.Errorf("chunkstore: reading meta of %q: %w", keySpace, err)
	}

	if !ok {
		return c.loadLegacy(ctx, keySpace, out)
	}

	var b strings.Builder

	for i := 0; i < meta.ChunkCount; i++ {
		var chunk string

		ok, err := c.kv.Get(ctx, chunkKey(keySpace, i), &chunk)
		if err != nil {
			return false, fmt.Errorf("chunkstore: reading chunk %d of %q: %w", i, keySpace, err)
		}

		if !ok {
			c.logger.Warn("missing chunk, treating value as absent",
				slog.String("key_space", keySpace),
				slog.Int("chunk", i),
				slog.Int("chunk_count", meta.ChunkCount),
			)

			return false, nil
		}

		b.WriteString(chunk)
	}

	if !decompressInto(b.String(), out) {
		c.logger.Warn("corrupt chunked value, treating as absent", slog.String("key_space", keySpace))

		return false, nil
	}

	return true, nil
}

// loadLegacy attempts the two historical single-item formats: the
// compressed string of the value, then the raw JSON object.
func (c *Codec) loadLegacy(ctx context.Context, keySpace string, out any) (bool, error) {
	var compressed string

	ok, err := c.kv.Get(ctx, keySpace, &compressed)
	if err == nil && ok && decompressInto(compressed, out) {
		return true, nil
	}

	ok, err = c.kv.Get(ctx, keySpace, out)
	if err != nil || !ok {
		return false, nil
	}

	return true, nil
}

// Clear removes metadata, every chunk, and any legacy single-item key.
func (c *Codec) Clear(ctx context.Context, keySpace string) error {
	chunkKeys, err := c.kv.Keys(ctx, keySpace+":chunk-")
	if err != nil {
		return fmt.Errorf("chunkstore: listing chunks of %q: %w", keySpace, err)
	}

	keys := append(chunkKeys, metaKey(keySpace), keySpace)

	if err := c.kv.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("chunkstore: clearing %q: %w", keySpace, err)
	}

	return nil
}

// compress JSON-serializes a value and lz4-compresses it, base64-framed
// so the result transports as a plain JSON string.
func compress(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("chunkstore: encoding value: %w", err)
	}

	var buf bytes.Buffer

	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("chunkstore: compressing value: %w", err)
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("chunkstore: flushing compressor: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// decompressInto reverses compress. Returns false on any failure: a
// corrupt value is reported as absent, never as an error.
func decompressInto(compressed string, out any) bool {
	raw, err := base64.StdEncoding.DecodeString(compressed)
	if err != nil {
		return false
	}

	zr := lz4.NewReader(bytes.NewReader(raw))

	data, err := io.ReadAll(zr)
	if err != nil {
		return false
	}

	return json.Unmarshal(data, out) == nil
}

// splitString cuts s into ordered pieces of at most size bytes. Chunk
// payloads are base64, so byte boundaries never split a rune.
func splitString(s string, size int) []string {
	if s == "" {
		return []string{""}
	}

	chunks := make([]string, 0, (len(s)+size-1)/size)

	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}

	return append(chunks, s)
}
