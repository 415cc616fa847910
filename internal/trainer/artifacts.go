package trainer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"candle-trainer/internal/blob"
	"candle-trainer/internal/cfg"
	"candle-trainer/internal/checkpoint"
	"candle-trainer/internal/common"
	"candle-trainer/internal/eval"
	"candle-trainer/internal/export"
	"candle-trainer/internal/ml"
	"candle-trainer/internal/progress"
	"candle-trainer/internal/storage"
)

// finish writes the final model, the export and the val_loss summary.
func (t *Trainer) finish(ctx context.Context, store *checkpoint.Store, ledger *storage.Store, publisher progress.Publisher, model ml.Model, record eval.Record, res *Result) error {
	s := t.settings

	path, err := store.SaveAs(ctx, common.FinalModelFile, model)
	if err != nil {
		return fmt.Errorf("save final model: %w", err)
	}
	res.ModelPath = path
	log.Info().Str("path", path).Msg("Final model saved")

	exportPath := destPath(s.JobDir, common.ExportDir)
	if err := export.Export(ctx, model, exportPath, export.Options{BlobOptions: s.BlobOptions()}); err != nil {
		return fmt.Errorf("export model: %w", err)
	}
	res.ExportPath = exportPath
	if t.opts.Metrics != nil {
		t.opts.Metrics.ExportsTotal().Inc()
	}

	registry, err := ml.NewModelManager(store.StagingDir())
	if err != nil {
		return fmt.Errorf("open model registry: %w", err)
	}
	if current := registry.GetCurrentVersion(); current != nil {
		res.PreviousVersion = current.Version
	}
	mm := ml.ModelMetrics{TrainLoss: res.Train.Loss, Epochs: res.Epochs, TrainingRows: res.TrainRows}
	if res.Evaluated {
		v := res.ValLoss
		mm.ValLoss = &v
	}
	version, err := registry.AddVersion(exportPath, mm)
	if err != nil {
		return fmt.Errorf("register export: %w", err)
	}
	res.Version = version.Version

	if err := ledger.RecordExport(storage.ExportRecord{
		Version:   version.Version,
		Path:      exportPath,
		ValLoss:   mm.ValLoss,
		Timestamp: version.CreatedAt,
	}); err != nil {
		log.Warn().Err(err).Str("version", version.Version).Msg("Failed to record export")
	}
	log.Info().
		Str("path", exportPath).
		Str("version", version.Version).
		Str("previous", res.PreviousVersion).
		Int("registered", len(registry.ListVersions())).
		Msg("Model exported")
	publisher.Publish(progress.Event{
		Type: progress.Export, RunID: res.RunID, Epoch: res.Epochs, Path: exportPath, Message: version.Version,
	})

	if !res.Evaluated {
		log.Warn().Msg("No evaluation completed during training, val_loss summary not written")
		return nil
	}
	outputDir := export.OutputDir(s.JobDir, s.Hypertune, s.TFConfig)
	summary, err := export.WriteSummary(ctx, outputDir, common.SummaryTag, res.ValLoss, record.Epoch(), s.BlobOptions())
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	res.SummaryPath = summary
	log.Info().Str("path", summary).Float64("val_loss", res.ValLoss).Msg("Summary written")
	return nil
}

// syncLogs copies the history log and the model registry to a remote job
// directory. Local job directories already hold them.
func (t *Trainer) syncLogs(ctx context.Context, store *checkpoint.Store, historyPath string) error {
	if !store.Remote() {
		return nil
	}
	remote, err := blob.New(t.settings.JobDir, t.settings.BlobOptions())
	if err != nil {
		return err
	}
	files := map[string]string{
		common.LogsDir + "/" + common.HistoryFile: historyPath,
		common.ModelVersionsFile:                  filepath.Join(store.StagingDir(), common.ModelVersionsFile),
	}
	for name, local := range files {
		if err := blob.CopyFile(ctx, remote, name, local); err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
	}
	return nil
}

// Rollback reactivates the export registered before the active one in the
// job's model registry. A remote job directory receives the updated
// manifest.
func Rollback(ctx context.Context, s cfg.Settings) (ml.ModelVersion, error) {
	if s.JobDir == "" {
		return ml.ModelVersion{}, errors.New("rollback: job dir is required")
	}
	staging := s.JobDir
	if s.RemoteJobDir() {
		if s.StagingDir == "" {
			return ml.ModelVersion{}, errors.New("rollback: staging dir is required for a remote job dir")
		}
		staging = s.StagingDir
	}

	registry, err := ml.NewModelManager(staging)
	if err != nil {
		return ml.ModelVersion{}, fmt.Errorf("open model registry: %w", err)
	}
	if err := registry.Rollback(); err != nil {
		return ml.ModelVersion{}, fmt.Errorf("rollback: %w", err)
	}
	active := *registry.GetCurrentVersion()

	if s.RemoteJobDir() {
		remote, err := blob.New(s.JobDir, s.BlobOptions())
		if err != nil {
			return active, err
		}
		if err := blob.CopyFile(ctx, remote, common.ModelVersionsFile, registry.File()); err != nil {
			return active, fmt.Errorf("copy %s: %w", common.ModelVersionsFile, err)
		}
	}

	log.Info().Str("version", active.Version).Str("path", active.Path).Msg("Rolled back active export")
	return active, nil
}

func destPath(root, name string) string {
	if blob.IsRemote(root) {
		return blob.Join(root, name)
	}
	return filepath.Join(root, name)
}
