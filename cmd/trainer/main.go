package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"candle-trainer/internal/cfg"
	"candle-trainer/internal/common"
	"candle-trainer/internal/metrics"
	"candle-trainer/internal/progress"
	"candle-trainer/internal/trainer"
)

// listFlag collects repeatable, comma separated values.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, cfg.SplitList(v)...)
	return nil
}

func main() {
	var (
		configPath       = flag.String("config", "", "Path to a YAML config file (overrides CONFIG_FILE)")
		trainFiles       listFlag
		evalFiles        listFlag
		jobDir           = flag.String("job-dir", "", "Local directory or remote URI for checkpoints and exports")
		stagingDir       = flag.String("staging-dir", "", "Local staging directory used with a remote job dir")
		trainSteps       = flag.Int("train-steps", common.DefaultTrainSteps, "Batches per training epoch")
		evalSteps        = flag.Int("eval-steps", common.DefaultEvalSteps, "Batches per evaluation")
		trainBatchSize   = flag.Int("train-batch-size", common.DefaultTrainBatchSize, "Rows per training batch")
		evalBatchSize    = flag.Int("eval-batch-size", common.DefaultEvalBatchSize, "Rows per evaluation batch")
		chunkSize        = flag.Int("chunk-size", common.DefaultChunkSize, "Rows read from a source per chunk")
		learningRate     = flag.Float64("learning-rate", common.DefaultLearningRate, "Optimizer learning rate")
		evalFrequency    = flag.Int("eval-frequency", common.DefaultEvalFrequency, "Evaluate every N epochs")
		firstLayerSize   = flag.Int("first-layer-size", common.DefaultFirstLayerSize, "Units in the first hidden layer")
		numLayers        = flag.Int("num-layers", common.DefaultNumLayers, "Hidden layers when scale-factor is set")
		scaleFactor      = flag.Float64("scale-factor", common.DefaultScaleFactor, "Decay of hidden layer sizes, 0 keeps the reference topology")
		numEpochs        = flag.Int("num-epochs", common.DefaultNumEpochs, "Training epochs")
		checkpointEpochs = flag.Int("checkpoint-epochs", common.DefaultCheckpointEpochs, "Write a checkpoint every N epochs")
		distributed      = flag.Bool("distributed", false, "Read training batches ahead on a background goroutine")
		hypertune        = flag.Bool("hypertune", false, "Write the summary metric under the TF_CONFIG trial id")
		firstFileOnly    = flag.Bool("first-file-only", false, "Restart every pass from the first source file")
		syncCheckpoints  = flag.Bool("sync-checkpoints", false, "Copy checkpoints to a remote job dir as they are written")
		metricsPort      = flag.Int("metrics-port", common.DefaultMetricsPort, "Port for /metrics, /health and /progress, 0 disables")
		seed             = flag.Int64("seed", common.DefaultSeed, "Weight initialization seed")
		logLevel         = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		rollback         = flag.Bool("rollback", false, "Reactivate the previously registered export in the job dir and exit")
	)
	flag.Var(&trainFiles, "train-files", "Training CSV files, repeatable and comma separated")
	flag.Var(&evalFiles, "eval-files", "Evaluation CSV files, repeatable and comma separated")
	flag.Parse()

	// Setup logging
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}
	if *configPath != "" {
		os.Setenv(common.EnvConfigFile, *configPath)
	}

	settings, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Override config with the flags given on the command line
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "train-files":
			settings.TrainFiles = trainFiles
		case "eval-files":
			settings.EvalFiles = evalFiles
		case "job-dir":
			settings.JobDir = *jobDir
		case "staging-dir":
			settings.StagingDir = *stagingDir
		case "train-steps":
			settings.TrainSteps = *trainSteps
		case "eval-steps":
			settings.EvalSteps = *evalSteps
		case "train-batch-size":
			settings.TrainBatchSize = *trainBatchSize
		case "eval-batch-size":
			settings.EvalBatchSize = *evalBatchSize
		case "chunk-size":
			settings.ChunkSize = *chunkSize
		case "learning-rate":
			settings.LearningRate = *learningRate
		case "eval-frequency":
			settings.EvalFrequency = *evalFrequency
		case "first-layer-size":
			settings.FirstLayerSize = *firstLayerSize
		case "num-layers":
			settings.NumLayers = *numLayers
		case "scale-factor":
			settings.ScaleFactor = *scaleFactor
		case "num-epochs":
			settings.NumEpochs = *numEpochs
		case "checkpoint-epochs":
			settings.CheckpointEpochs = *checkpointEpochs
		case "distributed":
			settings.Distributed = *distributed
		case "hypertune":
			settings.Hypertune = *hypertune
		case "first-file-only":
			settings.FirstFileOnly = *firstFileOnly
		case "sync-checkpoints":
			settings.SyncCheckpoints = *syncCheckpoints
		case "metrics-port":
			settings.MetricsPort = *metricsPort
		case "seed":
			settings.Seed = *seed
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *rollback {
		active, err := trainer.Rollback(ctx, settings)
		if err != nil {
			log.Fatal().Err(err).Msg("Rollback failed")
		}
		fmt.Printf("active export %s: %s\n", active.Version, active.Path)
		return
	}

	runID := uuid.NewString()
	mw := metrics.NewWrapper(metrics.New())
	hub := progress.NewHub(runID)
	defer hub.Close()

	if settings.MetricsPort > 0 {
		startMetricsServer(ctx, settings.MetricsPort, hub)
	}

	log.Info().
		Str("run_id", runID).
		Strs("train_files", settings.TrainFiles).
		Strs("eval_files", settings.EvalFiles).
		Str("job_dir", settings.JobDir).
		Int("num_epochs", settings.NumEpochs).
		Float64("learning_rate", settings.LearningRate).
		Msg("Starting training")

	tr, err := trainer.New(settings, trainer.Options{Metrics: mw, Publisher: hub, RunID: runID})
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	res, err := tr.Run(ctx)
	if err != nil {
		mw.ErrorsTotal().Inc()
		log.Fatal().Err(err).Msg("Training failed")
	}

	fmt.Printf("run %s: %d epochs, train loss %.4f", res.RunID, res.Epochs, res.Train.Loss)
	if res.Evaluated {
		fmt.Printf(", val loss %.4f", res.ValLoss)
	}
	fmt.Printf("\nmodel:  %s\nexport: %s\n", res.ModelPath, res.ExportPath)
}

// startMetricsServer serves Prometheus metrics, a health check and the
// progress websocket until ctx is canceled.
func startMetricsServer(ctx context.Context, port int, hub *progress.Hub) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/progress", hub)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to shutdown metrics server")
		}
	}()

	go func() {
		log.Info().Int("port", port).Msg("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}
