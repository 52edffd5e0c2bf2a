package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/dataset"
	"github.com/23skdu/longbow-quiver/internal/loss"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/optim"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

var (
	mode       = flag.String("mode", "train", "Run mode: train or serve")
	dataPath   = flag.String("data", "", "Arrow IPC stream with training data")
	target     = flag.String("target", "label", "Target column in the Arrow data")
	synthetic  = flag.String("synthetic", "xor", "Synthetic dataset when -data is empty (xor, blobs, line)")
	samples    = flag.Int("samples", 512, "Number of synthetic samples")
	seed       = flag.Uint64("seed", 1, "Seed for weights and synthetic data (0 = random)")
	arch       = flag.String("arch", "dense:8,tanh,dense:1,sigmoid", "Layer stack, e.g. dense:16,relu,dense:1,sigmoid")
	lossName   = flag.String("loss", "bce", "Loss (bce, mse, cce)")
	optName    = flag.String("optimizer", "adamax", "Optimizer (sgd, momentum, adam, adamax, rmsprop)")
	lr         = flag.Float64("lr", 0, "Learning rate (0 = optimizer default)")
	epochs     = flag.Int("epochs", 100, "Training epochs")
	batchSize  = flag.Int("batch", 64, "Mini-batch size")
	validSplit = flag.Float64("validation-split", 0, "Trailing fraction of rows held out for validation")
	logBatches = flag.Bool("log-batches", false, "Log every batch at debug level")

	checkpoint = flag.String("checkpoint", "", "Checkpoint to write after training, or to serve from")
	precision  = flag.String("precision", "fp32", "Checkpoint precision (fp32, fp16)")

	listenAddr    = flag.String("listen", ":8080", "Address for the HTTP prediction server")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	serverAddr    = flag.String("server", "", "Longbow server address to forward predictions to")
	datasetName   = flag.String("dataset", "quiver_predictions", "Target dataset name on server")
	maxConcurrent = flag.Int("max-concurrent", 4096, "Maximum number of rows scored concurrently")
	cacheSize     = flag.Int("cache-size", 65536, "Prediction cache entries (0 disables the cache)")

	cpuProfile = flag.String("cpuprofile", "", "Write cpu profile to file")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	enableOTel = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *logLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	switch *mode {
	case "train":
		if _, err := train(); err != nil {
			log.Fatal().Err(err).Msg("Training failed")
		}
	case "serve":
		if err := serve(); err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
	default:
		log.Fatal().Str("mode", *mode).Msg("Unknown mode")
	}
}

func loadData() (*dataset.Dataset, error) {
	if *dataPath != "" {
		opts := dataset.DefaultArrowOptions()
		opts.Target = *target
		return dataset.LoadArrowFile(*dataPath, opts)
	}
	switch *synthetic {
	case "xor":
		return dataset.XOR(*samples, 0.1, *seed), nil
	case "blobs":
		return dataset.Blobs(*samples, 3, 2, 0.5, *seed), nil
	case "line":
		return dataset.Line(*samples, 2, -1, 0.05, *seed), nil
	}
	return nil, fmt.Errorf("unknown synthetic dataset %q", *synthetic)
}

func train() (*model.Model, error) {
	d, err := loadData()
	if err != nil {
		return nil, err
	}
	log.Info().Int("rows", d.Len()).Int("features", d.Features()).Int("targets", d.Targets()).
		Strs("classes", d.Classes).Msg("Dataset loaded")

	reporter := &model.LogReporter{Logger: log.Logger, Batches: *logBatches}
	m, err := model.Build(*arch, d.Features(), *seed, model.WithReporter(reporter))
	if err != nil {
		return nil, err
	}
	l, err := loss.ByName(*lossName)
	if err != nil {
		return nil, err
	}
	o, err := optim.ByName(*optName, *lr)
	if err != nil {
		return nil, err
	}
	if err := m.Compile(l, o); err != nil {
		return nil, err
	}

	cfg := model.DefaultFitConfig()
	cfg.MaxIter = *epochs
	cfg.BatchSize = *batchSize
	cfg.ValidationSplit = *validSplit

	start := time.Now()
	if err := m.Fit(d.X, d.Y, cfg); err != nil {
		return nil, err
	}
	acc, err := m.PredictAccuracy(d.X, d.Y)
	if err != nil {
		return nil, err
	}
	log.Info().
		Dur("elapsed", time.Since(start)).
		Int("iterations", o.Iterations()).
		Float64("accuracy", acc).
		Msg("Training complete")

	if *checkpoint != "" {
		if err := weights.SaveFile(*checkpoint, m, weights.Precision(*precision)); err != nil {
			return nil, fmt.Errorf("save checkpoint: %w", err)
		}
		log.Info().Str("path", *checkpoint).Str("precision", *precision).Msg("Checkpoint written")
	}
	return m, nil
}

// loadModel restores the checkpoint, or trains a fresh model when there is
// none yet.
func loadModel() (*model.Model, error) {
	if *checkpoint == "" {
		return train()
	}
	c, err := weights.LoadFile(*checkpoint)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", *checkpoint).Msg("Checkpoint missing, training a new model")
		return train()
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", *checkpoint).Str("arch", c.Architecture).Msg("Checkpoint loaded")
	return c.Model()
}

func serve() error {
	m, err := loadModel()
	if err != nil {
		return err
	}

	var fwd Forwarder
	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			return fmt.Errorf("create flight client: %w", err)
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Str("dataset", *datasetName).Msg("Forwarding predictions to Longbow")
		fwd = client.NewForwarder(fc, *datasetName, nil)
	}

	var pc cache.PredictionCache
	if *cacheSize > 0 {
		pc = cache.NewMapCache(*cacheSize)
	}
	srv := NewServer(m, m.InputSize(), pc, fwd, *maxConcurrent)

	if *checkpoint != "" {
		go reloadOnHangup(srv, *checkpoint)
	}
	if *flightAddr != "" {
		go StartFlightServer(*flightAddr, srv)
	}
	return startServer(*listenAddr, srv)
}

// reloadOnHangup swaps in the checkpoint from path whenever SIGHUP arrives.
func reloadOnHangup(srv *Server, path string) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	for range ch {
		c, err := weights.LoadFile(path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("Reload failed")
			continue
		}
		m, err := c.Model()
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("Reload failed")
			continue
		}
		if err := srv.SetModel(m, m.InputSize()); err != nil {
			log.Error().Err(err).Msg("Reload rejected")
			continue
		}
		log.Info().Str("path", path).Str("arch", c.Architecture).Msg("Model reloaded")
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("quiver"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
