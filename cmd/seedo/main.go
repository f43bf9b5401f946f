package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/api"
	"github.com/mikeyg42/seedo/internal/camera"
	_ "github.com/mikeyg42/seedo/internal/camera/cvsource"
	_ "github.com/mikeyg42/seedo/internal/camera/mdsource"
	"github.com/mikeyg42/seedo/internal/config"
	"github.com/mikeyg42/seedo/internal/crypto"
	"github.com/mikeyg42/seedo/internal/inference"
	"github.com/mikeyg42/seedo/internal/inference/onnx"
	"github.com/mikeyg42/seedo/internal/logging"
	"github.com/mikeyg42/seedo/internal/notification"
	"github.com/mikeyg42/seedo/internal/recorder"
	"github.com/mikeyg42/seedo/internal/recorder/buffer"
	"github.com/mikeyg42/seedo/internal/recorder/encoder"
	"github.com/mikeyg42/seedo/internal/recorder/pipeline"
	"github.com/mikeyg42/seedo/internal/recorder/storage"
	"github.com/mikeyg42/seedo/internal/seedo"
	"github.com/mikeyg42/seedo/internal/seedo/store"
	"github.com/mikeyg42/seedo/internal/validate"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	addr := flag.String("addr", "", "API listen address (overrides config)")
	record := flag.Bool("record", false, "start with segment recording on")
	genKey := flag.Bool("gen-key", false, "print a new master key and exit")
	encrypt := flag.String("encrypt", "", "encrypt a secret with $"+config.MasterKeyEnv+" and exit")
	flag.Parse()

	switch {
	case *genKey:
		key, err := crypto.GenerateMasterKey()
		if err != nil {
			fatalf("generate key: %v", err)
		}
		fmt.Println(key)
		return
	case *encrypt != "":
		ct, err := crypto.Encrypt(*encrypt, os.Getenv(config.MasterKeyEnv))
		if err != nil {
			fatalf("encrypt: %v", err)
		}
		fmt.Println("enc:" + ct)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if *addr != "" {
		cfg.API.ListenAddr = *addr
	}
	if *record {
		cfg.Recording.Enabled = true
	}
	if err := cfg.ResolveSecrets(os.LookupEnv); err != nil {
		fatalf("%v", err)
	}
	if err := validate.ValidateConfig(cfg); err != nil {
		fatalf("invalid config: %v", err)
	}

	logger, flush, err := logging.Setup(cfg.Log)
	if err != nil {
		fatalf("logger: %v", err)
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create application", zap.Error(err))
		flush()
		os.Exit(1)
	}
	defer app.Cleanup()

	app.Run(ctx)
}

const shutdownGrace = 2 * time.Second

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// Application owns every long-lived component. Cleanup releases them in
// reverse order of construction.
type Application struct {
	cfg    *config.Config
	logger *zap.Logger

	source     camera.Source
	writer     *buffer.SegmentWriter
	objects    *storage.MinIOStore
	archiver   *pipeline.Archiver
	recorder   *recorder.Recorder
	assembler  *pipeline.Assembler
	rules      seedo.Store
	registry   *seedo.Registry
	runtime    *onnx.Runtime
	mailer     notification.Mailer
	dispatcher *seedo.Dispatcher
	scheduler  *seedo.Scheduler
	server     *api.Server

	closers []io.Closer
}

func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{cfg: cfg, logger: logger}
	if err := app.init(ctx); err != nil {
		app.Cleanup()
		return nil, err
	}
	return app, nil
}

func (app *Application) init(ctx context.Context) error {
	cfg := app.cfg

	source, err := camera.Open(cfg.Camera)
	if err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	app.source = source

	if cfg.MinIO.Enabled {
		objects, err := storage.NewMinIOStore(ctx, storage.MinIOConfig{
			Endpoint:        cfg.MinIO.Endpoint,
			AccessKeyID:     cfg.MinIO.AccessKeyID,
			SecretAccessKey: cfg.MinIO.SecretAccessKey,
			UseSSL:          cfg.MinIO.UseSSL,
			Bucket:          cfg.MinIO.Bucket,
			Region:          cfg.MinIO.Region,
			MaxUploads:      cfg.MinIO.MaxUploads,
			MaxRetries:      cfg.MinIO.MaxRetries,
			RetryBackoff:    cfg.MinIO.RetryBackoff,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to object store: %w", err)
		}
		app.objects = objects
	}

	writer, err := buffer.NewSegmentWriter(buffer.WriterConfig{
		Dir:       cfg.Recording.SegmentDir,
		FPS:       cfg.Camera.TargetFPS,
		Quality:   cfg.Recording.JPEGQuality,
		QueueSize: cfg.Recording.WriterQueueSize,
	}, app.logger.Named("segment-writer"))
	if err != nil {
		return err
	}
	app.writer = writer
	if app.objects != nil && cfg.Recording.ArchiveSegments {
		app.archiver = pipeline.NewArchiver(app.objects, "segments", 0, app.logger.Named("archiver"))
		writer.OnSegment(app.archiver.Enqueue)
	}

	segments := storage.NewCatalog(cfg.Recording.SegmentDir, encoder.Ext)
	clips := storage.NewClipCatalog(cfg.Recording.ClipDir, encoder.Ext)
	sweepers := []recorder.Sweeper{
		storage.NewSweeper(segments, cfg.Recording.RetentionHorizon, cfg.Recording.SweepInterval, app.logger.Named("retention")),
		storage.NewSweeper(clips, cfg.Recording.ClipRetention, cfg.Recording.SweepInterval, app.logger.Named("clip-retention")),
	}

	app.recorder = recorder.New(source, recorder.Options{
		TargetFPS:      cfg.Camera.TargetFPS,
		BufferCapacity: cfg.BufferCapacity(),
		Sink:           writer,
		Sweepers:       sweepers,
		Logger:         app.logger.Named("recorder"),
	})
	if cfg.Recording.Enabled {
		app.recorder.StartRecording()
	}

	app.assembler = pipeline.NewAssembler(segments, pipeline.AssemblerConfig{
		OutputDir: cfg.Recording.ClipDir,
		FPS:       cfg.Camera.TargetFPS,
		Quality:   cfg.Recording.JPEGQuality,
		Lookback:  cfg.Recording.ClipLookback,
		Lookahead: cfg.Recording.ClipLookahead,
	}, app.logger.Named("assembler"))

	if err := app.openRules(ctx); err != nil {
		return err
	}

	var svc inference.Service
	if cfg.Inference.Enabled {
		rt, err := onnx.Open(onnx.Config{
			EmbedModel: cfg.Inference.EmbedModel,
			DepthModel: cfg.Inference.DepthModel,
			InputSize:  cfg.Inference.InputSize,
			DepthSize:  cfg.Inference.DepthSize,
		})
		if err != nil {
			return fmt.Errorf("failed to load models: %w", err)
		}
		app.runtime = rt
		svc = rt
	} else {
		app.logger.Warn("Inference disabled; similarity and depth rules will report errors")
	}

	mailer, err := notification.New(ctx, cfg.Email, os.Getenv(config.MasterKeyEnv), app.logger.Named("mailer"))
	if err != nil {
		return fmt.Errorf("failed to create mailer: %w", err)
	}
	app.mailer = mailer

	runnerCfg := seedo.RunnerConfig{
		Mailer:      mailer,
		DefaultFrom: cfg.Email.From,
		JPEGQuality: cfg.Recording.JPEGQuality,
	}
	if cfg.Email.MaxRetries > 0 {
		runnerCfg.Retry = notification.DefaultRetryConfig()
		runnerCfg.Retry.MaxAttempts = cfg.Email.MaxRetries
	}
	if app.objects != nil {
		runnerCfg.Store = app.objects
	}
	runner := seedo.NewActionRunner(runnerCfg, app.logger.Named("actions"))

	app.dispatcher = seedo.NewDispatcher(app.assembler, runner, seedo.DispatcherConfig{
		Grace: cfg.Recording.ClipGrace,
	}, app.logger.Named("dispatcher"))
	// Evaluations in flight at shutdown run to completion rather than being
	// cancelled with the signal context.
	app.scheduler = seedo.NewScheduler(context.WithoutCancel(ctx), app.registry, svc, app.dispatcher, seedo.SchedulerConfig{
		Workers: cfg.Rules.Workers,
	}, app.logger.Named("scheduler"))

	if cfg.API.Enabled {
		metrics := map[string]api.MetricsSource{
			"segment_writer": writer,
			"assembler":      app.assembler,
			"dispatcher":     app.dispatcher,
			"scheduler":      app.scheduler,
		}
		health := map[string]api.HealthChecker{}
		if app.objects != nil {
			metrics["object_store"] = app.objects
			health["object_store"] = app.objects
		}
		if hc, ok := app.rules.(api.HealthChecker); ok {
			health["rule_store"] = hc
		}
		if app.archiver != nil {
			metrics["archiver"] = app.archiver
		}
		opts := api.Options{
			Addr:        cfg.API.ListenAddr,
			PreviewFPS:  cfg.API.PreviewFPS,
			JPEGQuality: cfg.Recording.JPEGQuality,
			ImageDir:    cfg.Rules.ImageDir,
			Embedder:    svc,
			Metrics:     metrics,
			Health:      health,
			Logger:      app.logger.Named("api"),
		}
		if app.objects != nil {
			opts.Archive = app.objects
		}
		app.server = api.NewServer(ctx, app.recorder, app.registry, opts)
	}
	return nil
}

// openRules connects the configured rule store and loads every rule.
func (app *Application) openRules(ctx context.Context) error {
	cfg := app.cfg
	switch cfg.Rules.Store {
	case "", "file":
		app.rules = store.NewFileStore(cfg.Rules.Dir, app.logger.Named("rules"))
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:             cfg.GetDatabaseDSN(),
			MaxConnections:  cfg.Postgres.MaxConnections,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		}, app.logger.Named("rules"))
		if err != nil {
			return fmt.Errorf("failed to open rule database: %w", err)
		}
		app.rules = pg
		app.closers = append(app.closers, pg)
	default:
		return fmt.Errorf("unknown rule store %q", cfg.Rules.Store)
	}

	app.registry = seedo.NewRegistry(app.rules, app.logger.Named("registry"))
	n, err := app.registry.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	app.logger.Info("Rules loaded", zap.Int("count", n), zap.String("store", cfg.Rules.Store))
	return nil
}

// Run drives the heartbeat until ctx is cancelled: every tick advances the
// recorder and hands any new frame to the scheduler.
func (app *Application) Run(ctx context.Context) {
	if app.server != nil {
		app.server.StartInBackground()
	}

	heartbeat := app.cfg.Heartbeat()
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	app.logger.Info("SeeDo running",
		zap.Duration("heartbeat", heartbeat),
		zap.Float64("target_fps", app.cfg.Camera.TargetFPS),
		zap.Int("rules", app.registry.Len()),
		zap.Bool("recording", app.recorder.Recording()))

	for {
		select {
		case <-ctx.Done():
			app.logger.Info("Shutting down")
			return
		case now := <-ticker.C:
			app.recorder.Tick(now)
			app.scheduler.OnFrame(app.recorder.Latest(), now)
		}
	}
}

func (app *Application) Cleanup() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if app.server != nil {
		if err := app.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			app.logger.Warn("API shutdown", zap.Error(err))
		}
	}
	if app.scheduler != nil {
		// Shutdown does not wait on evaluations beyond a short grace.
		done := make(chan struct{})
		go func() {
			app.scheduler.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			app.logger.Info("Leaving in-flight evaluations behind")
		}
	}
	if app.recorder != nil {
		// Closes the source and flushes the segment writer.
		if err := app.recorder.Close(); err != nil {
			app.logger.Warn("Recorder close", zap.Error(err))
		}
	} else {
		if app.writer != nil {
			app.writer.Close()
		}
		if app.source != nil {
			app.source.Close()
		}
	}
	if app.archiver != nil {
		app.archiver.Close()
	}
	if app.mailer != nil {
		app.mailer.Close()
	}
	if app.runtime != nil {
		app.runtime.Close()
	}
	for i := len(app.closers) - 1; i >= 0; i-- {
		app.closers[i].Close()
	}
}
