package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"candle-trainer/internal/common"
)

// ModelVersion represents one exported model
type ModelVersion struct {
	Version   string       `json:"version"`
	Path      string       `json:"path"`
	CreatedAt time.Time    `json:"created_at"`
	Metrics   ModelMetrics `json:"metrics"`
	IsActive  bool         `json:"is_active"`
}

// ModelMetrics contains the metrics recorded for an export
type ModelMetrics struct {
	TrainLoss    float64  `json:"train_loss"`
	ValLoss      *float64 `json:"val_loss,omitempty"`
	Epochs       int      `json:"epochs"`
	TrainingRows int64    `json:"training_rows"`
}

type modelMetricsJSON struct {
	TrainLoss    Float  `json:"train_loss"`
	ValLoss      *Float `json:"val_loss,omitempty"`
	Epochs       int    `json:"epochs"`
	TrainingRows int64  `json:"training_rows"`
}

// MarshalJSON keeps non-finite losses of a diverged run in the manifest.
func (m ModelMetrics) MarshalJSON() ([]byte, error) {
	out := modelMetricsJSON{TrainLoss: Float(m.TrainLoss), Epochs: m.Epochs, TrainingRows: m.TrainingRows}
	if m.ValLoss != nil {
		v := Float(*m.ValLoss)
		out.ValLoss = &v
	}
	return json.Marshal(out)
}

func (m *ModelMetrics) UnmarshalJSON(data []byte) error {
	var in modelMetricsJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = ModelMetrics{TrainLoss: float64(in.TrainLoss), Epochs: in.Epochs, TrainingRows: in.TrainingRows}
	if in.ValLoss != nil {
		v := float64(*in.ValLoss)
		m.ValLoss = &v
	}
	return nil
}

// ModelManager keeps the manifest of exported models and which one is active
type ModelManager struct {
	modelsDir    string
	versionsFile string
	versions     []ModelVersion
	currentModel *ModelVersion
	now          func() time.Time
}

// NewModelManager creates a model manager rooted at modelsDir
func NewModelManager(modelsDir string) (*ModelManager, error) {
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}

	mm := &ModelManager{
		modelsDir:    modelsDir,
		versionsFile: filepath.Join(modelsDir, common.ModelVersionsFile),
		versions:     make([]ModelVersion, 0),
		now:          time.Now,
	}

	// Load existing versions if available
	if err := mm.loadVersions(); err != nil {
		log.Warn().Err(err).Str("file", mm.versionsFile).Msg("Failed to load model versions, starting fresh")
		mm.versions = mm.versions[:0]
	}

	return mm, nil
}

// File returns the manifest path.
func (mm *ModelManager) File() string { return mm.versionsFile }

// AddVersion records a new export and makes it the active version.
func (mm *ModelManager) AddVersion(modelPath string, metrics ModelMetrics) (ModelVersion, error) {
	version := ModelVersion{
		Version:   uuid.NewString(),
		Path:      modelPath,
		CreatedAt: mm.now().UTC(),
		Metrics:   metrics,
	}

	mm.versions = append(mm.versions, version)

	// Newest first
	sort.SliceStable(mm.versions, func(i, j int) bool {
		return mm.versions[i].CreatedAt.After(mm.versions[j].CreatedAt)
	})

	if err := mm.ActivateVersion(version.Version); err != nil {
		return ModelVersion{}, err
	}
	return *mm.currentModel, nil
}

// ActivateVersion activates a specific model version
func (mm *ModelManager) ActivateVersion(version string) error {
	found := false
	for i := range mm.versions {
		if mm.versions[i].Version == version {
			mm.versions[i].IsActive = true
			mm.currentModel = &mm.versions[i]
			found = true
		} else {
			mm.versions[i].IsActive = false
		}
	}

	if !found {
		return fmt.Errorf("version %s not found", version)
	}

	return mm.saveVersions()
}

// Rollback activates the export made before the active one
func (mm *ModelManager) Rollback() error {
	if len(mm.versions) < 2 {
		return fmt.Errorf("no previous version available for rollback")
	}

	currentIdx := -1
	for i, v := range mm.versions {
		if v.IsActive {
			currentIdx = i
			break
		}
	}

	if currentIdx == -1 {
		return fmt.Errorf("no active version found")
	}

	if currentIdx+1 < len(mm.versions) {
		return mm.ActivateVersion(mm.versions[currentIdx+1].Version)
	}

	return fmt.Errorf("no previous version available")
}

// GetCurrentVersion returns the currently active version
func (mm *ModelManager) GetCurrentVersion() *ModelVersion {
	return mm.currentModel
}

// ListVersions returns all versions, newest first
func (mm *ModelManager) ListVersions() []ModelVersion {
	return append([]ModelVersion(nil), mm.versions...)
}

func (mm *ModelManager) loadVersions() error {
	data, err := os.ReadFile(mm.versionsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := json.Unmarshal(data, &mm.versions); err != nil {
		return err
	}

	for i := range mm.versions {
		if mm.versions[i].IsActive {
			mm.currentModel = &mm.versions[i]
			break
		}
	}

	return nil
}

func (mm *ModelManager) saveVersions() error {
	data, err := json.MarshalIndent(mm.versions, "", "  ")
	if err != nil {
		return err
	}

	tmp := mm.versionsFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write model versions: %w", err)
	}
	return os.Rename(tmp, mm.versionsFile)
}
