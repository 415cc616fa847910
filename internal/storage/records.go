package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// EpochRecord is one completed training epoch. Epoch is 0-based.
type EpochRecord struct {
	Epoch     int           `json:"epoch"`
	Loss      float64       `json:"loss"`
	MAE       float64       `json:"mae"`
	MSE       float64       `json:"mse"`
	Rows      int           `json:"rows"`
	Steps     int           `json:"steps"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// CheckpointRecord is one checkpoint written to staging.
type CheckpointRecord struct {
	Name      string    `json:"name"`
	Epoch     int       `json:"epoch"`
	Metric    float64   `json:"metric"`
	Timestamp time.Time `json:"timestamp"`
}

// EvaluationRecord is one completed evaluation. Epoch is the epoch at whose
// start the evaluation ran.
type EvaluationRecord struct {
	Epoch      int       `json:"epoch"`
	Checkpoint string    `json:"checkpoint"`
	Loss       float64   `json:"loss"`
	MAE        float64   `json:"mae"`
	Rows       int       `json:"rows"`
	Steps      int       `json:"steps"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExportRecord is one exported model.
type ExportRecord struct {
	Version   string    `json:"version"`
	Path      string    `json:"path"`
	ValLoss   *float64  `json:"val_loss,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordEpoch stores an epoch record, replacing any earlier one for the
// same epoch.
func (s *Store) RecordEpoch(r EpochRecord) error {
	return s.put(epochsBucket, epochKey(r.Epoch), r)
}

// RecordCheckpoint stores a checkpoint record keyed by epoch.
func (s *Store) RecordCheckpoint(r CheckpointRecord) error {
	return s.put(checkpointsBucket, epochKey(r.Epoch), r)
}

// RecordEvaluation stores an evaluation record keyed by epoch.
func (s *Store) RecordEvaluation(r EvaluationRecord) error {
	return s.put(evaluationsBucket, epochKey(r.Epoch), r)
}

// RecordExport stores an export record keyed by time.
func (s *Store) RecordExport(r ExportRecord) error {
	return s.put(exportsBucket, fmt.Sprintf("%020d", r.Timestamp.UnixNano()), r)
}

// Epochs returns the epoch records with from <= epoch <= to, in order.
// A negative to means no upper bound.
func (s *Store) Epochs(from, to int) ([]EpochRecord, error) {
	var out []EpochRecord
	err := s.scan(epochsBucket, epochKey(from), upper(to), func(data []byte) error {
		var r EpochRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// Checkpoints returns every checkpoint record in epoch order.
func (s *Store) Checkpoints() ([]CheckpointRecord, error) {
	var out []CheckpointRecord
	err := s.scan(checkpointsBucket, "", "", func(data []byte) error {
		var r CheckpointRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// Evaluations returns every evaluation record in epoch order.
func (s *Store) Evaluations() ([]EvaluationRecord, error) {
	var out []EvaluationRecord
	err := s.scan(evaluationsBucket, "", "", func(data []byte) error {
		var r EvaluationRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

// LastEvaluation returns the evaluation with the highest epoch.
func (s *Store) LastEvaluation() (EvaluationRecord, bool, error) {
	evals, err := s.Evaluations()
	if err != nil || len(evals) == 0 {
		return EvaluationRecord{}, false, err
	}
	return evals[len(evals)-1], true, nil
}

// Exports returns every export record, oldest first.
func (s *Store) Exports() ([]ExportRecord, error) {
	var out []ExportRecord
	err := s.scan(exportsBucket, "", "", func(data []byte) error {
		var r ExportRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func upper(to int) string {
	if to < 0 {
		return ""
	}
	return epochKey(to)
}
