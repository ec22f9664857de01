package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vision-orchestrator/internal/gst"
	"vision-orchestrator/internal/orchestrator"
	"vision-orchestrator/internal/pipeline"
	"vision-orchestrator/internal/platform/config"
	"vision-orchestrator/internal/platform/logger"
	"vision-orchestrator/internal/platform/metrics"
	"vision-orchestrator/internal/sched"
	"vision-orchestrator/internal/supervisor"
	"vision-orchestrator/internal/telemetry"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	geoA, err := pipeline.ParseRect(config.GetEnv("SLOT_A_GEOMETRY", "0,17,960,720"))
	if err != nil {
		log.Error("bad slot A geometry", "error", err)
		os.Exit(1)
	}
	geoB, err := pipeline.ParseRect(config.GetEnv("SLOT_B_GEOMETRY", "960,17,960,720"))
	if err != nil {
		log.Error("bad slot B geometry", "error", err)
		os.Exit(1)
	}

	registry := pipeline.DefaultRegistry()
	if path := config.GetEnv("REGISTRY_PATH", ""); path != "" {
		registry, err = pipeline.LoadRegistry(path)
		if err != nil {
			log.Error("load pipeline registry", "path", path, "error", err)
			os.Exit(1)
		}
	}

	var devices orchestrator.DeviceProvider = orchestrator.V4LDevices{
		Dir: config.GetEnv("V4L_BY_ID_DIR", ""),
	}
	if list := config.GetEnv("CAPTURE_DEVICES", ""); list != "" {
		devices = orchestrator.StaticDevices(strings.Split(list, ","))
	}

	met := metrics.New()
	scheduler := sched.New(sched.DefaultTick)
	runner := gst.NewRunner(log)

	orch := orchestrator.New(registry, runner, scheduler, devices, log, orchestrator.Config{
		GeometryA:   geoA,
		GeometryB:   geoB,
		SettleDelay: config.GetEnvDuration("SETTLE_DELAY", 0),
		Supervisor: supervisor.Options{
			CheckPeriod:        config.GetEnvDuration("WATCHDOG_CHECK_PERIOD", 0),
			StaleAfter:         config.GetEnvDuration("WATCHDOG_STALE_AFTER", 0),
			ShutdownTimeout:    config.GetEnvDuration("PIPELINE_SHUTDOWN_TIMEOUT", 0),
			MaxSilentRestarts:  config.GetEnvInt("WATCHDOG_MAX_SILENT_RESTARTS", 0),
			OnRestart:          met.IncWatchdogRestarts,
			OnDegradedShutdown: met.IncDegradedShutdowns,
		},
	})
	orch.SetListener(failureCounter{met})

	sampler := telemetry.NewSampler(scheduler, log, telemetry.Config{
		Capacity:     config.GetEnvInt("TELEMETRY_CAPACITY", 0),
		ArtifactsDir: config.GetEnv("PROFILER_ARTIFACTS_DIR", telemetry.DefaultArtifactsDir),
		TempPeriod:   config.GetEnvDuration("TEMP_POLL_PERIOD", 0),
	})
	sampler.Start()

	h := orchestrator.NewHandler(orch, sampler, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() { refreshGauges(met, orch, sampler) }).ServeHTTP(w, req)
	})
	r.Get("/slots", h.GetSlots)
	r.Route("/slots/{slot}", func(r chi.Router) {
		r.Put("/pipeline", h.SelectPipeline)
		r.Delete("/pipeline", h.ClearPipeline)
	})
	r.Get("/pipelines", h.GetPipelines)
	r.Get("/telemetry", h.GetTelemetry)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"slot_a", geoA.String(),
		"slot_b", geoB.String(),
		"pipelines", len(registry.IDs()),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	orch.StopAll()
	sampler.Stop()
	scheduler.Close()

	log.Info("server stopped")
}

// failureCounter is the minimal listener: it only feeds the failure metric.
type failureCounter struct {
	met *metrics.Metrics
}

func (f failureCounter) SelectionChanged(pipeline.Slot, pipeline.ID) {}

func (f failureCounter) PipelineFailed(pipeline.Slot, string) {
	f.met.IncPipelineFailures()
}

// refreshGauges updates scrape-time gauges from current orchestrator and
// sampler state. A dual pipeline occupies both slots but counts once.
func refreshGauges(met *metrics.Metrics, orch *orchestrator.Orchestrator, sampler *telemetry.Sampler) {
	n := 0
	dualSeen := false
	for _, st := range orch.Status() {
		if st.Pipeline == "" {
			continue
		}
		if st.Dual {
			if dualSeen {
				continue
			}
			dualSeen = true
		}
		n++
	}
	met.SetActivePipelines(n)

	for ch, v := range sampler.Snapshot() {
		met.SetTelemetry(string(ch), v)
	}
}
