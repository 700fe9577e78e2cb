// Package journal makes the in-memory store durable by writing a JSON
// snapshot of its state to a blob store after every committed transaction and
// restoring the newest snapshot on open.
package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"txrepo/internal/blob"
	"txrepo/internal/infra/persistence/memory"
	"txrepo/pkg/domain"
	"txrepo/pkg/logger"
)

var _ domain.PersistentStore = (*Store)(nil)

const snapshotDir = "snapshots/"

// Envelope is the JSON document stored for each snapshot.
type Envelope struct {
	Seq     uint64          `json:"seq"`
	TakenAt time.Time       `json:"taken_at"`
	Tables  memory.Snapshot `json:"tables"`
}

// Store serves reads and transactions from an embedded memory.Store and
// snapshots it as the memory store's commit hook: every write outside a
// transaction and every transaction commit is written to the blob store
// before it becomes visible, and is discarded when that write fails.
type Store struct {
	*memory.Store
	blobs  blob.Store
	prefix string
	keep   int
	log    logger.Logger

	mu  sync.Mutex
	seq uint64
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces snapshot keys, e.g. "tenant-a/".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		s.prefix = prefix
	}
}

// WithKeep retains only the newest n snapshots. Zero keeps all.
func WithKeep(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.keep = n
		}
	}
}

// WithLogger sets the logger used for snapshot lifecycle messages.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Open restores the newest snapshot found in blobs into mem.
func Open(ctx context.Context, mem *memory.Store, blobs blob.Store, opts ...Option) (*Store, error) {
	if mem == nil || blobs == nil {
		return nil, errors.New("journal: memory store and blob store are required")
	}
	s := &Store{Store: mem, blobs: blobs, log: logger.FromContext(ctx)}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.restore(ctx); err != nil {
		return nil, err
	}
	mem.SetCommitHook(s.persist)
	return s, nil
}

// Seq returns the sequence number of the newest snapshot.
func (s *Store) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Snapshots lists the stored snapshot keys, oldest first.
func (s *Store) Snapshots(ctx context.Context) ([]string, error) {
	infos, err := s.blobs.List(ctx, s.prefix+snapshotDir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if _, ok := s.seqOf(info.Key); ok {
			keys = append(keys, info.Key)
		}
	}
	return keys, nil
}

func (s *Store) key(seq uint64) string {
	return fmt.Sprintf("%s%s%020d.json", s.prefix, snapshotDir, seq)
}

func (s *Store) seqOf(key string) (uint64, bool) {
	name := strings.TrimPrefix(key, s.prefix+snapshotDir)
	if name == key || path.Ext(name) != ".json" {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(name, ".json"), 10, 64)
	return seq, err == nil
}

// persist writes next as the following snapshot. It runs under the memory
// store's lock, so it reads nothing back from the store.
func (s *Store) persist(ctx context.Context, next memory.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := Envelope{Seq: s.seq + 1, TakenAt: time.Now().UTC(), Tables: next}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := s.key(env.Seq)
	if _, err := s.blobs.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"seq": strconv.FormatUint(env.Seq, 10)},
	}); err != nil {
		return fmt.Errorf("write snapshot %s: %w", key, err)
	}
	s.seq = env.Seq
	s.log.Debug("snapshot written", "key", key, "bytes", len(data))
	if err := s.prune(ctx); err != nil {
		s.log.Warn("snapshot prune failed", "key", key, "error", err)
	}
	return nil
}

func (s *Store) prune(ctx context.Context) error {
	if s.keep == 0 {
		return nil
	}
	keys, err := s.Snapshots(ctx)
	if err != nil {
		return err
	}
	for len(keys) > s.keep {
		if _, err := s.blobs.Delete(ctx, keys[0]); err != nil {
			return fmt.Errorf("prune snapshot %s: %w", keys[0], err)
		}
		keys = keys[1:]
	}
	return nil
}

func (s *Store) restore(ctx context.Context) error {
	keys, err := s.Snapshots(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	latest := keys[len(keys)-1]
	_, rc, err := s.blobs.Get(ctx, latest)
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", latest, err)
	}
	defer func() { _ = rc.Close() }()
	var env Envelope
	if err := json.NewDecoder(rc).Decode(&env); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", latest, err)
	}
	s.ImportState(env.Tables)
	s.seq, _ = s.seqOf(latest)
	s.log.Info("snapshot restored", "key", latest, "models", len(env.Tables))
	return nil
}
