package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/vecagent/blobstore"
	"github.com/hupe1980/vecagent/model"
)

const (
	ManifestFileName = "MANIFEST"
	CurrentFileName  = "CURRENT"
	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1
)

// Manifest is the persisted pointer record.
type Manifest struct {
	Version int
	// ID increases with every Save.
	ID uint64

	ActiveSeq  uint64
	ActiveUUID string
	// ActivePath is the blob prefix of the active generation, e.g. "gen-000004/".
	ActivePath string
	// CreatedAt is the build time of the active generation.
	CreatedAt   time.Time
	VectorCount uint64

	Dim      int
	Distance model.DistanceType
	DataType model.DataType

	// NextOffset is the first internal offset never handed out.
	NextOffset uint32
	// NextSeq is the sequence number of the next build attempt.
	NextSeq     uint64
	CopyOnWrite bool

	// Broken lists failed attempts, oldest first.
	Broken []BrokenInfo
}

// BrokenInfo records one failed build attempt.
type BrokenInfo struct {
	Seq         uint64
	UUID        string
	CreatedAt   time.Time
	VectorCount uint64
	// Path is the blob prefix holding whatever the attempt managed to write.
	Path   string
	Reason string
}

// HasActive reports whether m points at a generation.
func (m *Manifest) HasActive() bool {
	return m.ActiveSeq != 0
}

// Clone returns a deep copy of m.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Broken = append([]BrokenInfo(nil), m.Broken...)
	return &c
}

// Store reads and writes manifests in a blob store.
type Store struct {
	store blobstore.BlobStore
	mu    sync.Mutex
}

// NewStore creates a manifest store.
func NewStore(store blobstore.BlobStore) *Store {
	return &Store{store: store}
}

func fileName(id uint64) string {
	return fmt.Sprintf("%s-%06d.bin", ManifestFileName, id)
}

func parseFileName(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, ManifestFileName+"-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".bin")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	return id, err == nil
}

// Load loads the manifest CURRENT points at.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	return s.LoadVersion(ctx, 0)
}

// LoadVersion loads a specific manifest ID. 0 means the current one.
func (s *Store) LoadVersion(ctx context.Context, id uint64) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := fileName(id)
	if id == 0 {
		current, err := blobstore.ReadAll(ctx, s.store, CurrentFileName)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		name = strings.TrimSpace(string(current))
		if _, ok := parseFileName(name); !ok {
			return nil, fmt.Errorf("%w: CURRENT holds %q", ErrCorrupt, name)
		}
	}

	data, err := blobstore.ReadAll(ctx, s.store, name)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", name, err)
	}
	m, err := ReadBinary(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", name, err)
	}
	return m, nil
}

// Save writes m as a new manifest version and points CURRENT at it.
// m.ID is advanced on success only.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *m
	next.Version = CurrentVersion
	next.ID = m.ID + 1

	var buf bytes.Buffer
	if err := next.WriteBinary(&buf); err != nil {
		return err
	}
	name := fileName(next.ID)
	if err := s.store.Put(ctx, name, buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := s.store.Put(ctx, CurrentFileName, []byte(name)); err != nil {
		return fmt.Errorf("update %s: %w", CurrentFileName, err)
	}
	m.Version = next.Version
	m.ID = next.ID
	return nil
}

// ListVersions returns the IDs of all stored manifests in ascending order.
func (s *Store) ListVersions(ctx context.Context) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.store.List(ctx, ManifestFileName+"-")
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(names))
	for _, name := range names {
		if id, ok := parseFileName(name); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// DeleteVersion deletes the manifest with the given ID.
func (s *Store) DeleteVersion(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(ctx, fileName(id))
}

// Prune deletes all but the newest keep manifests. The manifest CURRENT
// points at is never deleted.
func (s *Store) Prune(ctx context.Context, current uint64, keep int) (int, error) {
	ids, err := s.ListVersions(ctx)
	if err != nil {
		return 0, err
	}
	if keep < 1 {
		keep = 1
	}
	deleted := 0
	for i := 0; i < len(ids)-keep; i++ {
		if ids[i] == current {
			continue
		}
		if err := s.DeleteVersion(ctx, ids[i]); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
