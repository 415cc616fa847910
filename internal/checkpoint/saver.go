package checkpoint

import (
	"context"

	"candle-trainer/internal/ml"
)

// Saver writes a checkpoint every N completed epochs, tagged with the
// 1-based epoch number and the epoch's training MSE.
type Saver struct {
	store *Store
	every int
	last  ID
}

// NewSaver returns a Saver writing to store every n epochs. n <= 0 disables it.
func NewSaver(store *Store, n int) *Saver {
	return &Saver{store: store, every: n}
}

// OnEpochEnd is called after the epoch with 0-based index epoch has been fit.
func (s *Saver) OnEpochEnd(ctx context.Context, epoch int, m ml.Model, metrics ml.Metrics) error {
	tag := epoch + 1
	if s.every <= 0 || tag%s.every != 0 {
		return nil
	}
	id, err := s.store.Write(ctx, m, tag, metrics.MSE)
	if err != nil {
		return err
	}
	s.last = id
	return nil
}

// Last returns the most recent checkpoint written by this Saver.
func (s *Saver) Last() (ID, bool) {
	return s.last, s.last.Name != ""
}
