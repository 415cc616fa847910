package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"candle-trainer/internal/blob"
	"candle-trainer/internal/common"
	"candle-trainer/internal/ml"
)

// MetricsInterface receives checkpoint counters.
type MetricsInterface interface {
	CheckpointWritesInc()
	CheckpointPropagationsInc()
	CheckpointErrorsInc()
}

// Config configures a Store.
type Config struct {
	// Destination is the job directory: a local path or a remote URI.
	Destination string
	// StagingDir is used when Destination is remote.
	StagingDir string
	// SyncOnWrite copies each checkpoint to a remote destination as soon as
	// it is written instead of waiting for the evaluator.
	SyncOnWrite bool
	Ext         string
	BlobOptions blob.Options
	Metrics     MetricsInterface
}

// Store manages checkpoints in a staging directory.
type Store struct {
	staging     string
	ext         string
	syncOnWrite bool
	remote      blob.Store
	metrics     MetricsInterface

	mu sync.Mutex
}

// New creates the staging directory if needed.
func New(cfg Config) (*Store, error) {
	if cfg.Destination == "" {
		return nil, fmt.Errorf("checkpoint: empty destination")
	}

	s := &Store{
		ext:         defaultExt(cfg.Ext),
		syncOnWrite: cfg.SyncOnWrite,
		metrics:     cfg.Metrics,
		staging:     cfg.Destination,
	}
	if blob.IsRemote(cfg.Destination) {
		remote, err := blob.New(cfg.Destination, cfg.BlobOptions)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %w", err)
		}
		s.remote = remote
		s.staging = cfg.StagingDir
		if s.staging == "" {
			s.staging = common.DefaultStagingDir
		}
	}

	if err := os.MkdirAll(s.staging, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create staging dir: %w", err)
	}
	return s, nil
}

// StagingDir returns the local directory checkpoints are written to.
func (s *Store) StagingDir() string { return s.staging }

// Remote reports whether checkpoints are propagated to a remote destination.
func (s *Store) Remote() bool { return s.remote != nil }

// Path returns the staged file path for id.
func (s *Store) Path(id ID) string { return filepath.Join(s.staging, id.Name) }

// Write snapshots m as the checkpoint for epoch. Any other staged checkpoint
// of the same epoch is replaced.
func (s *Store) Write(ctx context.Context, m ml.Model, epoch int, metric float64) (ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := NewID(epoch, metric, s.ext)
	if err := s.writeFile(id.Name, m); err != nil {
		s.errorInc()
		return ID{}, err
	}

	ids, err := s.list()
	if err != nil {
		s.errorInc()
		return ID{}, err
	}
	for _, other := range ids {
		if other.Epoch == epoch && other.Name != id.Name {
			if err := os.Remove(s.Path(other)); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("checkpoint", other.Name).Msg("Failed to remove replaced checkpoint")
			}
		}
	}

	if s.metrics != nil {
		s.metrics.CheckpointWritesInc()
	}
	log.Info().Str("checkpoint", id.Name).Int("epoch", epoch).Float64("metric", metric).Msg("Checkpoint written")

	if s.syncOnWrite && s.remote != nil {
		if err := s.propagate(ctx, id); err != nil {
			s.errorInc()
			return ID{}, err
		}
	}
	return id, nil
}

// SaveAs stages m under name and copies it to a remote destination.
func (s *Store) SaveAs(ctx context.Context, name string, m ml.Model) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeFile(name, m); err != nil {
		return "", err
	}
	local := filepath.Join(s.staging, name)
	if s.remote == nil {
		return local, nil
	}
	if err := blob.CopyFile(ctx, s.remote, name, local); err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	return blob.Join(s.remote.Root(), name), nil
}

func (s *Store) writeFile(name string, m ml.Model) error {
	tmp, err := os.CreateTemp(s.staging, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := m.Save(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: save %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.staging, name)); err != nil {
		return fmt.Errorf("checkpoint: rename %s: %w", name, err)
	}
	return nil
}

// Latest returns the greatest staged checkpoint in lexicographic order.
func (s *Store) Latest() (ID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.list()
	if err != nil {
		return ID{}, false, err
	}
	if len(ids) == 0 {
		return ID{}, false, nil
	}
	return ids[len(ids)-1], true, nil
}

// List returns all staged checkpoints sorted by name.
func (s *Store) List() ([]ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *Store) list() ([]ID, error) {
	matches, err := filepath.Glob(filepath.Join(s.staging, common.CheckpointGlob))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: glob: %w", err)
	}
	sort.Strings(matches)

	ids := make([]ID, 0, len(matches))
	for _, m := range matches {
		id, err := ParseID(filepath.Base(m))
		if err != nil {
			log.Debug().Str("file", m).Msg("Ignoring non-checkpoint file")
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Open returns a reader over a staged checkpoint.
func (s *Store) Open(id ID) (*os.File, error) {
	f, err := os.Open(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", id.Name, blob.ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

// Load restores the model stored in a staged checkpoint.
func (s *Store) Load(id ID, load ml.Loader) (ml.Model, error) {
	f, err := s.Open(id)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := load(f)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", id.Name, err)
	}
	return m, nil
}

// Propagate copies a staged checkpoint to the remote destination. It is a
// no-op for local destinations.
func (s *Store) Propagate(ctx context.Context, id ID) error {
	if s.remote == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.propagate(ctx, id)
}

func (s *Store) propagate(ctx context.Context, id ID) error {
	if err := blob.CopyFile(ctx, s.remote, id.Name, s.Path(id)); err != nil {
		return fmt.Errorf("checkpoint: propagate: %w", err)
	}
	if s.metrics != nil {
		s.metrics.CheckpointPropagationsInc()
	}
	log.Debug().Str("checkpoint", id.Name).Str("destination", s.remote.Root()).Msg("Checkpoint propagated")
	return nil
}

func (s *Store) errorInc() {
	if s.metrics != nil {
		s.metrics.CheckpointErrorsInc()
	}
}
