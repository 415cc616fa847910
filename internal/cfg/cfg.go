package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"candle-trainer/internal/blob"
	"candle-trainer/internal/common"
	"candle-trainer/internal/features"
)

type Settings struct {
	TrainFiles       []string
	EvalFiles        []string
	JobDir           string
	StagingDir       string
	TrainSteps       int
	EvalSteps        int
	TrainBatchSize   int
	EvalBatchSize    int
	ChunkSize        int
	LearningRate     float64
	EvalFrequency    int
	FirstLayerSize   int
	NumLayers        int
	ScaleFactor      float64
	NumEpochs        int
	CheckpointEpochs int
	Distributed      bool
	Hypertune        bool
	FirstFileOnly    bool
	SyncCheckpoints  bool
	MetricsPort      int
	Seed             int64
	BlobAuthToken    string
	BlobTimeout      time.Duration
	TFConfig         string
	Schema           features.Schema
}

type ConfigFile struct {
	Data struct {
		TrainFiles    []string         `yaml:"trainFiles"`
		EvalFiles     []string         `yaml:"evalFiles"`
		ChunkSize     int              `yaml:"chunkSize"`
		FirstFileOnly bool             `yaml:"firstFileOnly"`
		Schema        *features.Schema `yaml:"schema"`
	} `yaml:"data"`

	Training struct {
		TrainSteps       int     `yaml:"trainSteps"`
		EvalSteps        int     `yaml:"evalSteps"`
		TrainBatchSize   int     `yaml:"trainBatchSize"`
		EvalBatchSize    int     `yaml:"evalBatchSize"`
		LearningRate     float64 `yaml:"learningRate"`
		NumEpochs        int     `yaml:"numEpochs"`
		CheckpointEpochs int     `yaml:"checkpointEpochs"`
		EvalFrequency    int     `yaml:"evalFrequency"`
		Distributed      bool    `yaml:"distributed"`
		Seed             int64   `yaml:"seed"`
	} `yaml:"training"`

	Model struct {
		FirstLayerSize int     `yaml:"firstLayerSize"`
		NumLayers      int     `yaml:"numLayers"`
		ScaleFactor    float64 `yaml:"scaleFactor"`
	} `yaml:"model"`

	Output struct {
		JobDir          string `yaml:"jobDir"`
		StagingDir      string `yaml:"stagingDir"`
		SyncCheckpoints bool   `yaml:"syncCheckpoints"`
		Hypertune       bool   `yaml:"hypertune"`
	} `yaml:"output"`

	System struct {
		MetricsPort int    `yaml:"metricsPort"`
		BlobTimeout string `yaml:"blobTimeout"`
	} `yaml:"system"`
}

// Load reads settings from the YAML file named by CONFIG_FILE, with
// environment variables taking precedence, or from the environment alone.
// The result is not validated: callers apply command line overrides first
// and then call Validate.
func Load() (Settings, error) {
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}
	return loadFromEnv(), nil
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	blobTimeout, err := time.ParseDuration(config.System.BlobTimeout)
	if err != nil {
		blobTimeout = 30 * time.Second
	}

	schema := features.DefaultSchema()
	if config.Data.Schema != nil {
		schema = *config.Data.Schema
	}

	return Settings{
		TrainFiles:       getListFromEnvOrConfig(common.EnvTrainFiles, config.Data.TrainFiles),
		EvalFiles:        getListFromEnvOrConfig(common.EnvEvalFiles, config.Data.EvalFiles),
		JobDir:           getEnvOrDefault(common.EnvJobDir, orDefault(config.Output.JobDir, common.DefaultJobDir)),
		StagingDir:       getEnvOrDefault(common.EnvStagingDir, orDefault(config.Output.StagingDir, common.DefaultStagingDir)),
		TrainSteps:       getIntFromEnvOrConfig(common.EnvTrainSteps, config.Training.TrainSteps, common.DefaultTrainSteps),
		EvalSteps:        getIntFromEnvOrConfig(common.EnvEvalSteps, config.Training.EvalSteps, common.DefaultEvalSteps),
		TrainBatchSize:   getIntFromEnvOrConfig(common.EnvTrainBatchSize, config.Training.TrainBatchSize, common.DefaultTrainBatchSize),
		EvalBatchSize:    getIntFromEnvOrConfig(common.EnvEvalBatchSize, config.Training.EvalBatchSize, common.DefaultEvalBatchSize),
		ChunkSize:        getIntFromEnvOrConfig(common.EnvChunkSize, config.Data.ChunkSize, common.DefaultChunkSize),
		LearningRate:     getFloatFromEnvOrConfig(common.EnvLearningRate, config.Training.LearningRate, common.DefaultLearningRate),
		EvalFrequency:    getIntFromEnvOrConfig(common.EnvEvalFrequency, config.Training.EvalFrequency, common.DefaultEvalFrequency),
		FirstLayerSize:   getIntFromEnvOrConfig(common.EnvFirstLayerSize, config.Model.FirstLayerSize, common.DefaultFirstLayerSize),
		NumLayers:        getIntFromEnvOrConfig(common.EnvNumLayers, config.Model.NumLayers, common.DefaultNumLayers),
		ScaleFactor:      getFloatFromEnvOrConfig(common.EnvScaleFactor, config.Model.ScaleFactor, common.DefaultScaleFactor),
		NumEpochs:        getIntFromEnvOrConfig(common.EnvNumEpochs, config.Training.NumEpochs, common.DefaultNumEpochs),
		CheckpointEpochs: getIntFromEnvOrConfig(common.EnvCheckpointEpochs, config.Training.CheckpointEpochs, common.DefaultCheckpointEpochs),
		Distributed:      getBoolFromEnvOrConfig(common.EnvDistributed, config.Training.Distributed),
		Hypertune:        getBoolFromEnvOrConfig(common.EnvHypertune, config.Output.Hypertune),
		FirstFileOnly:    getBoolFromEnvOrConfig(common.EnvFirstFileOnly, config.Data.FirstFileOnly),
		SyncCheckpoints:  getBoolFromEnvOrConfig(common.EnvSyncCheckpoints, config.Output.SyncCheckpoints),
		MetricsPort:      getIntFromEnvOrConfig(common.EnvMetricsPort, config.System.MetricsPort, common.DefaultMetricsPort),
		Seed:             int64(getIntFromEnvOrConfig(common.EnvSeed, int(config.Training.Seed), common.DefaultSeed)),
		BlobAuthToken:    os.Getenv(common.EnvBlobAuthToken),
		BlobTimeout:      getDurationOrDefault(common.EnvBlobTimeout, blobTimeout),
		TFConfig:         os.Getenv(common.EnvTFConfig),
		Schema:           schema,
	}, nil
}

func loadFromEnv() Settings {
	return Settings{
		TrainFiles:       splitOrDefault(os.Getenv(common.EnvTrainFiles), nil),
		EvalFiles:        splitOrDefault(os.Getenv(common.EnvEvalFiles), nil),
		JobDir:           getEnvOrDefault(common.EnvJobDir, common.DefaultJobDir),
		StagingDir:       getEnvOrDefault(common.EnvStagingDir, common.DefaultStagingDir),
		TrainSteps:       getIntOrDefault(common.EnvTrainSteps, common.DefaultTrainSteps),
		EvalSteps:        getIntOrDefault(common.EnvEvalSteps, common.DefaultEvalSteps),
		TrainBatchSize:   getIntOrDefault(common.EnvTrainBatchSize, common.DefaultTrainBatchSize),
		EvalBatchSize:    getIntOrDefault(common.EnvEvalBatchSize, common.DefaultEvalBatchSize),
		ChunkSize:        getIntOrDefault(common.EnvChunkSize, common.DefaultChunkSize),
		LearningRate:     getFloatOrDefault(common.EnvLearningRate, common.DefaultLearningRate),
		EvalFrequency:    getIntOrDefault(common.EnvEvalFrequency, common.DefaultEvalFrequency),
		FirstLayerSize:   getIntOrDefault(common.EnvFirstLayerSize, common.DefaultFirstLayerSize),
		NumLayers:        getIntOrDefault(common.EnvNumLayers, common.DefaultNumLayers),
		ScaleFactor:      getFloatOrDefault(common.EnvScaleFactor, common.DefaultScaleFactor),
		NumEpochs:        getIntOrDefault(common.EnvNumEpochs, common.DefaultNumEpochs),
		CheckpointEpochs: getIntOrDefault(common.EnvCheckpointEpochs, common.DefaultCheckpointEpochs),
		Distributed:      getBoolOrDefault(common.EnvDistributed, false),
		Hypertune:        getBoolOrDefault(common.EnvHypertune, false),
		FirstFileOnly:    getBoolOrDefault(common.EnvFirstFileOnly, false),
		SyncCheckpoints:  getBoolOrDefault(common.EnvSyncCheckpoints, false),
		MetricsPort:      getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		Seed:             int64(getIntOrDefault(common.EnvSeed, common.DefaultSeed)),
		BlobAuthToken:    os.Getenv(common.EnvBlobAuthToken),
		BlobTimeout:      getDurationOrDefault(common.EnvBlobTimeout, 30*time.Second),
		TFConfig:         os.Getenv(common.EnvTFConfig),
		Schema:           features.DefaultSchema(),
	}
}

// BlobOptions returns the remote store options.
func (s *Settings) BlobOptions() blob.Options {
	return blob.Options{Timeout: s.BlobTimeout, AuthToken: s.BlobAuthToken}
}

// RemoteJobDir reports whether the job directory is a remote URI.
func (s *Settings) RemoteJobDir() bool {
	return blob.IsRemote(s.JobDir)
}

// Validate checks every setting against its allowed range.
func (s *Settings) Validate() error {
	return validateSettings(s)
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// SplitList splits a comma separated list, dropping empty entries.
func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	return SplitList(v)
}

func getListFromEnvOrConfig(key string, configValue []string) []string {
	if env := os.Getenv(key); env != "" {
		return SplitList(env)
	}
	return configValue
}

func getIntFromEnvOrConfig(key string, configValue, defaultValue int) int {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getFloatFromEnvOrConfig(key string, configValue, defaultValue float64) float64 {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseFloat(env, 64); err == nil {
			return val
		}
	}
	if configValue != 0 {
		return configValue
	}
	return defaultValue
}

func getBoolFromEnvOrConfig(key string, configValue bool) bool {
	if env := os.Getenv(key); env != "" {
		if val, err := strconv.ParseBool(env); err == nil {
			return val
		}
	}
	return configValue
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	// Validate inputs and outputs
	if len(settings.TrainFiles) == 0 {
		return fmt.Errorf("at least one training file must be specified")
	}
	if len(settings.EvalFiles) == 0 {
		return fmt.Errorf("at least one evaluation file must be specified")
	}
	if settings.JobDir == "" {
		return fmt.Errorf("job directory cannot be empty")
	}
	if settings.RemoteJobDir() && settings.StagingDir == "" {
		return fmt.Errorf("staging directory is required for a remote job directory")
	}

	// Validate stream sizes
	if settings.TrainSteps <= 0 || settings.EvalSteps <= 0 {
		return fmt.Errorf("train and eval steps must be positive, got %d and %d", settings.TrainSteps, settings.EvalSteps)
	}
	if settings.TrainBatchSize <= 0 || settings.TrainBatchSize > common.MaxBatchSize {
		return fmt.Errorf("train batch size must be between 1 and %d, got %d", common.MaxBatchSize, settings.TrainBatchSize)
	}
	if settings.EvalBatchSize <= 0 || settings.EvalBatchSize > common.MaxBatchSize {
		return fmt.Errorf("eval batch size must be between 1 and %d, got %d", common.MaxBatchSize, settings.EvalBatchSize)
	}
	if settings.ChunkSize <= 0 || settings.ChunkSize > common.MaxChunkSize {
		return fmt.Errorf("chunk size must be between 1 and %d, got %d", common.MaxChunkSize, settings.ChunkSize)
	}

	// Validate optimizer and schedule
	if settings.LearningRate <= 0 || settings.LearningRate > common.MaxLearningRate {
		return fmt.Errorf("learning rate must be between 0 and %g, got %g", common.MaxLearningRate, settings.LearningRate)
	}
	if settings.NumEpochs <= 0 || settings.NumEpochs > common.MaxNumEpochs {
		return fmt.Errorf("num epochs must be between 1 and %d, got %d", common.MaxNumEpochs, settings.NumEpochs)
	}
	if settings.CheckpointEpochs <= 0 || settings.CheckpointEpochs > common.MaxNumEpochs {
		return fmt.Errorf("checkpoint epochs must be between 1 and %d, got %d", common.MaxNumEpochs, settings.CheckpointEpochs)
	}
	if settings.EvalFrequency <= 0 {
		return fmt.Errorf("eval frequency must be positive, got %d", settings.EvalFrequency)
	}

	// Validate network shape
	if settings.FirstLayerSize <= 0 || settings.FirstLayerSize > common.MaxLayerSize {
		return fmt.Errorf("first layer size must be between 1 and %d, got %d", common.MaxLayerSize, settings.FirstLayerSize)
	}
	if settings.NumLayers <= 0 || settings.NumLayers > common.MaxNumLayers {
		return fmt.Errorf("num layers must be between 1 and %d, got %d", common.MaxNumLayers, settings.NumLayers)
	}
	if settings.ScaleFactor < 0 || settings.ScaleFactor > 1 {
		return fmt.Errorf("scale factor must be between 0 and 1, got %g", settings.ScaleFactor)
	}

	// Validate system settings
	if settings.MetricsPort != 0 && (settings.MetricsPort < common.MinMetricsPort || settings.MetricsPort > common.MaxMetricsPort) {
		return fmt.Errorf("metrics port must be 0 or between %d and %d, got %d", common.MinMetricsPort, common.MaxMetricsPort, settings.MetricsPort)
	}
	if settings.BlobTimeout < 0 || settings.BlobTimeout > 10*time.Minute {
		return fmt.Errorf("blob timeout must be between 0 and 10m, got %v", settings.BlobTimeout)
	}

	// Validate schema
	if err := settings.Schema.Validate(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	return nil
}
