package common

// Reference candle schema. Columns are headerless in the CSV input and
// appear in exactly this order.
var (
	CSVColumns = []string{
		"O1", "H1", "L1", "C1",
		"O2", "H2", "L2", "C2",
		"O3", "H3", "L3", "C3",
		"O4", "H4", "L4", "C4",
		"V1", "V2", "V3", "V4",
		"O5", "H5", "L5", "C5", "V5",
		"O6", "H6", "L6", "C6", "V6",
	}

	// Continuous columns fed to the network. Do not list label columns here.
	ContinuousColumns = []string{
		"O1", "H1", "L1", "C1",
		"O2", "H2", "L2", "C2",
		"O3", "H3", "L3", "C3",
		"O4", "H4", "L4", "C4",
		"V1", "V2", "V3", "V4",
		"O5", "H5", "L5", "C5", "V5",
	}

	// Columns the model is trained to predict, in output order.
	LabelColumns = []string{"O6", "H6", "L6", "C6"}
)

// Environment variable keys
const (
	EnvConfigFile       = "CONFIG_FILE"
	EnvTrainFiles       = "TRAIN_FILES"
	EnvEvalFiles        = "EVAL_FILES"
	EnvJobDir           = "JOB_DIR"
	EnvStagingDir       = "STAGING_DIR"
	EnvTrainSteps       = "TRAIN_STEPS"
	EnvEvalSteps        = "EVAL_STEPS"
	EnvTrainBatchSize   = "TRAIN_BATCH_SIZE"
	EnvEvalBatchSize    = "EVAL_BATCH_SIZE"
	EnvChunkSize        = "CHUNK_SIZE"
	EnvLearningRate     = "LEARNING_RATE"
	EnvEvalFrequency    = "EVAL_FREQUENCY"
	EnvFirstLayerSize   = "FIRST_LAYER_SIZE"
	EnvNumLayers        = "NUM_LAYERS"
	EnvScaleFactor      = "SCALE_FACTOR"
	EnvNumEpochs        = "NUM_EPOCHS"
	EnvCheckpointEpochs = "CHECKPOINT_EPOCHS"
	EnvDistributed      = "DISTRIBUTED"
	EnvHypertune        = "HYPERTUNE"
	EnvFirstFileOnly    = "FIRST_FILE_ONLY"
	EnvSyncCheckpoints  = "SYNC_CHECKPOINTS"
	EnvMetricsPort      = "METRICS_PORT"
	EnvSeed             = "SEED"
	EnvBlobAuthToken    = "BLOB_AUTH_TOKEN"
	EnvBlobTimeout      = "BLOB_TIMEOUT"

	// EnvTFConfig holds the job configuration blob provided by the managed
	// training service. The hyperparameter trial id lives at task.trial.
	EnvTFConfig = "TF_CONFIG"
)

// Configuration defaults
const (
	DefaultJobDir           = "/tmp/candle-trainer"
	DefaultStagingDir       = "staging"
	DefaultTrainSteps       = 100
	DefaultEvalSteps        = 100
	DefaultTrainBatchSize   = 40
	DefaultEvalBatchSize    = 40
	DefaultChunkSize        = 5000
	DefaultLearningRate     = 0.003
	DefaultEvalFrequency    = 10
	DefaultFirstLayerSize   = 100
	DefaultNumLayers        = 4
	DefaultScaleFactor      = 0.0
	DefaultNumEpochs        = 20
	DefaultCheckpointEpochs = 5
	DefaultMetricsPort      = 0
	DefaultSeed             = 42
	DefaultPrefetchDepth    = 8
)

// Job directory layout
const (
	CheckpointExt       = "json"
	CheckpointGlob      = "checkpoint.*"
	FinalModelFile      = "output_model.json"
	ExportDir           = "export"
	LogsDir             = "logs"
	HistoryFile         = "history.jsonl"
	SummaryTag          = "val_loss"
	SummaryFile         = "events.jsonl"
	LedgerFile          = "run.db"
	ModelVersionsFile   = "model_versions.json"
	ServingInputTensor  = "input"
	ServingOutputTensor = "prediction"
	ServingTag          = "serve"
	ServingSignature    = "serving_default"
	ServingMethod       = "tensorflow/serving/predict"
)

// Validation limits
const (
	MaxBatchSize    = 1 << 16
	MaxChunkSize    = 1 << 22
	MaxLearningRate = 10.0
	MaxLayerSize    = 1 << 14
	MaxNumLayers    = 32
	MinMetricsPort  = 1024
	MaxMetricsPort  = 65535
	MaxNumEpochs    = 99
)
