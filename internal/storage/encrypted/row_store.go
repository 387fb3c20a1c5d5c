// Package encrypted wraps the in-memory RowStore with encrypted persistence:
// every change writes a sealed snapshot of all rows to a BlobStore, and Open
// restores the last snapshot.
package encrypted

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/storage/memory"
)

// magic prefixes every snapshot and is bound as associated data.
var magic = []byte("RCX1")

// DefaultPath is the snapshot object path used when Config.Path is empty.
const DefaultPath = "snapshots/rows.enc"

// Config wires the store to its backing blob store and key.
type Config struct {
	Blob   crawler.BlobStore
	Path   string
	Key    []byte
	Logger *zap.Logger
	// Types restores attribute types on load. Without it numbers and
	// timestamps come back untyped.
	Types crawler.AttrTypes
}

// RowStore is a crawler.RowStore whose state survives restarts only in
// encrypted form.
type RowStore struct {
	inner  *memory.RowStore
	blob   crawler.BlobStore
	path   string
	aead   cipher.AEAD
	logger *zap.Logger
	types  crawler.AttrTypes

	// persistMu serializes snapshot writes so a slower write never lands
	// after a newer one.
	persistMu sync.Mutex
}

type snapshotRow struct {
	NaturalKey    string          `json:"natural_key"`
	SchemaVersion int             `json:"schema_version"`
	SourceID      string          `json:"source_id"`
	Schema        string          `json:"schema"`
	Attributes    json.RawMessage `json:"attributes"`
	ExtractedAt   time.Time       `json:"extracted_at"`
}

// Open builds the store and loads the existing snapshot, if any.
func Open(ctx context.Context, cfg Config) (*RowStore, error) {
	if cfg.Blob == nil {
		return nil, errors.New("blob store is required")
	}
	aead, err := chacha20poly1305.NewX(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &RowStore{inner: memory.NewRowStore(), blob: cfg.Blob, path: cfg.Path, aead: aead, logger: cfg.Logger, types: cfg.Types}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RowStore) load(ctx context.Context) error {
	sealed, err := s.blob.GetObject(ctx, s.path)
	if errors.Is(err, crawler.ErrNotFound) {
		s.logger.Info("no snapshot found, starting empty", zap.String("path", s.path))
		return nil
	}
	if err != nil {
		return &crawler.StoreError{Op: "load snapshot", Err: err}
	}
	plain, err := s.open(sealed)
	if err != nil {
		return &crawler.StoreError{Op: "load snapshot", Err: err}
	}
	var rows []snapshotRow
	if err := json.Unmarshal(plain, &rows); err != nil {
		return &crawler.StoreError{Op: "load snapshot", Err: fmt.Errorf("decode: %w", err)}
	}
	restored := make([]crawler.CanonicalRow, 0, len(rows))
	for _, r := range rows {
		attrs, err := crawler.DecodeAttributes(r.Attributes, crawler.ResolveAttrTypes(s.types, r.Schema))
		if err != nil {
			return &crawler.StoreError{Op: "load snapshot", Err: err}
		}
		restored = append(restored, crawler.CanonicalRow{
			Record: crawler.Record{
				NaturalKey:  r.NaturalKey,
				SourceID:    r.SourceID,
				Schema:      r.Schema,
				Attributes:  attrs,
				ExtractedAt: r.ExtractedAt.UTC(),
			},
			SchemaVersion: r.SchemaVersion,
		})
	}
	if _, err := s.inner.Upsert(ctx, restored); err != nil {
		return err
	}
	s.logger.Info("snapshot restored", zap.String("path", s.path), zap.Int("rows", len(restored)))
	return nil
}

func (s *RowStore) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := append([]byte(nil), magic...)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plain, magic), nil
}

func (s *RowStore) open(sealed []byte) ([]byte, error) {
	if !bytes.HasPrefix(sealed, magic) {
		return nil, errors.New("snapshot has an unknown format")
	}
	body := sealed[len(magic):]
	if len(body) < s.aead.NonceSize() {
		return nil, errors.New("snapshot is truncated")
	}
	nonce, ciphertext := body[:s.aead.NonceSize()], body[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, magic)
	if err != nil {
		return nil, fmt.Errorf("decrypt snapshot: %w", err)
	}
	return plain, nil
}

// persist writes the full current state.
func (s *RowStore) persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	rows := s.inner.Snapshot()
	out := make([]snapshotRow, 0, len(rows))
	for _, r := range rows {
		attrs, err := crawler.EncodeAttributes(r.Attributes)
		if err != nil {
			return &crawler.StoreError{Op: "persist", Err: err}
		}
		out = append(out, snapshotRow{
			NaturalKey:    r.NaturalKey,
			SchemaVersion: r.SchemaVersion,
			SourceID:      r.SourceID,
			Schema:        r.Schema,
			Attributes:    attrs,
			ExtractedAt:   r.ExtractedAt,
		})
	}
	plain, err := json.Marshal(out)
	if err != nil {
		return &crawler.StoreError{Op: "persist", Err: err}
	}
	sealed, err := s.seal(plain)
	if err != nil {
		return &crawler.StoreError{Op: "persist", Err: err}
	}
	if _, err := s.blob.PutObject(ctx, s.path, "application/octet-stream", sealed); err != nil {
		return &crawler.StoreError{Op: "persist", Err: err}
	}
	return nil
}

// Upsert applies rows in memory and persists a new snapshot when anything changed.
func (s *RowStore) Upsert(ctx context.Context, rows []crawler.CanonicalRow) (crawler.UpsertResult, error) {
	res, err := s.inner.Upsert(ctx, rows)
	if err != nil {
		return res, err
	}
	if res.Applied() > 0 {
		if err := s.persist(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Query reads from the decrypted in-memory state.
func (s *RowStore) Query(ctx context.Context, pred crawler.Predicate) iter.Seq2[crawler.CanonicalRow, error] {
	return s.inner.Query(ctx, pred)
}

// DeleteOlderThan prunes rows and persists when any were removed.
func (s *RowStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.inner.DeleteOlderThan(ctx, cutoff)
	if err != nil || n == 0 {
		return n, err
	}
	return n, s.persist(ctx)
}

// Close releases nothing; every change is already persisted.
func (s *RowStore) Close() error { return s.inner.Close() }
