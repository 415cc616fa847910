// Package checkpoint persists periodic model snapshots and locates the most
// recent one.
//
// Snapshots are always written to a local staging directory first. When the
// job destination is remote they are copied there byte for byte, either right
// after the write or later when the evaluator picks them up.
package checkpoint

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"candle-trainer/internal/common"
)

// ErrInvalidID is returned by ParseID for names that are not checkpoints.
var ErrInvalidID = errors.New("checkpoint: invalid id")

const prefix = "checkpoint."

// ID identifies a checkpoint. Name is the file name; it sorts
// lexicographically in epoch order for epochs below 100.
type ID struct {
	Name   string
	Epoch  int
	Metric float64
}

// NewID builds the id for a checkpoint tagged with epoch and metric.
func NewID(epoch int, metric float64, ext string) ID {
	return ID{
		Name:   fmt.Sprintf("%s%02d-%.2f.%s", prefix, epoch, metric, ext),
		Epoch:  epoch,
		Metric: metric,
	}
}

func (id ID) String() string { return id.Name }

// ParseID recovers the epoch and metric from a checkpoint file name.
func ParseID(name string) (ID, error) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return ID{}, fmt.Errorf("%q: %w", name, ErrInvalidID)
	}
	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 {
		return ID{}, fmt.Errorf("%q: %w", name, ErrInvalidID)
	}
	epochPart, metricPart, ok := strings.Cut(rest[:dot], "-")
	if !ok {
		return ID{}, fmt.Errorf("%q: %w", name, ErrInvalidID)
	}

	epoch, err := strconv.Atoi(epochPart)
	if err != nil || epoch < 0 {
		return ID{}, fmt.Errorf("%q: bad epoch: %w", name, ErrInvalidID)
	}
	metric, err := strconv.ParseFloat(metricPart, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%q: bad metric: %w", name, ErrInvalidID)
	}
	return ID{Name: name, Epoch: epoch, Metric: metric}, nil
}

func defaultExt(ext string) string {
	if ext == "" {
		return common.CheckpointExt
	}
	return strings.TrimPrefix(ext, ".")
}
