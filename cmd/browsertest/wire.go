package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/odvcencio/browsertest/pkg/agent"
	"github.com/odvcencio/browsertest/pkg/agent/remote"
	"github.com/odvcencio/browsertest/pkg/agent/scripted"
	"github.com/odvcencio/browsertest/pkg/artifact"
	"github.com/odvcencio/browsertest/pkg/bus"
	"github.com/odvcencio/browsertest/pkg/compare"
	"github.com/odvcencio/browsertest/pkg/config"
	"github.com/odvcencio/browsertest/pkg/export"
	"github.com/odvcencio/browsertest/pkg/logging"
	"github.com/odvcencio/browsertest/pkg/orchestrator"
	"github.com/odvcencio/browsertest/pkg/progress"
	"github.com/odvcencio/browsertest/pkg/storage"
	"github.com/odvcencio/browsertest/pkg/telemetry"
)

// service holds everything a command needs to run tests.
type service struct {
	cfg     *config.Config
	log     *logging.Logger
	orch    *orchestrator.Orchestrator
	tracker *progress.Tracker
	bus     bus.MessageBus
	store   *storage.Store // nil when storage is disabled
	tracer  *telemetry.TracerProvider

	logCloser io.Closer
}

// newService wires the orchestrator and its collaborators from cfg. Spans
// are written to traceOut.
func newService(cfg *config.Config, traceOut io.Writer) (svc *service, err error) {
	log, logCloser, err := logging.NewLogger("browsertest", cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	svc = &service{cfg: cfg, log: log, logCloser: logCloser}
	defer func() {
		if err != nil {
			_ = svc.Close(context.Background())
		}
	}()

	svc.tracer, err = telemetry.NewTracerProvider(cfg.Tracing, version, traceOut)
	if err != nil {
		return nil, err
	}

	var results orchestrator.ResultStore
	if cfg.Storage.Enabled {
		svc.store, err = storage.New(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open result store: %w", err)
		}
		results = svc.store
	}

	artifacts, err := newArtifactStore(cfg.Artifacts)
	if err != nil {
		return nil, err
	}

	svc.bus, err = bus.Open(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("open event bus: %w", err)
	}

	var exporter orchestrator.Exporter
	if cfg.Export.Enabled {
		uploader, err := export.New(cfg.Export)
		if err != nil {
			return nil, err
		}
		exporter = uploader
	}

	comparator, err := newComparator(cfg.Comparator)
	if err != nil {
		return nil, err
	}

	runtime, err := newRuntime(cfg.Agent)
	if err != nil {
		return nil, err
	}

	svc.tracker = progress.New(cfg.Progress)
	svc.orch, err = orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Runtime:    runtime,
		Artifacts:  artifacts,
		Tracker:    svc.tracker,
		Comparator: comparator,
		Results:    results,
		Events:     bus.NewPublisher(svc.bus),
		Exporter:   exporter,
		Logger:     log,
	})
	if err != nil {
		_ = runtime.Close()
		return nil, err
	}

	log.Info("service ready",
		"agent", cfg.Agent.Backend,
		"matcher", cfg.Comparator.Matcher,
		"artifacts", cfg.Artifacts.Backend,
		"storage", cfg.Storage.Enabled,
		"bus", cfg.Bus.Backend,
		"export", cfg.Export.Enabled,
	)
	return svc, nil
}

func newArtifactStore(cfg config.ArtifactsConfig) (artifact.Store, error) {
	if cfg.Backend == config.ArtifactsFile {
		store, err := artifact.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open artifact dir: %w", err)
		}
		return store, nil
	}
	return artifact.NewMemoryStore(), nil
}

func newComparator(cfg config.ComparatorConfig) (*compare.Comparator, error) {
	var matcher compare.Matcher = compare.NewKeywordMatcher()
	if cfg.Matcher == config.MatcherModel {
		m, err := compare.NewModelMatcher(cfg.Model)
		if err != nil {
			return nil, err
		}
		matcher = m
	}
	return compare.New(matcher, cfg.Bands)
}

func newRuntime(cfg config.AgentConfig) (agent.Runtime, error) {
	if cfg.Backend == config.AgentRemote {
		rt, err := remote.NewRuntime(cfg.Remote)
		if err != nil {
			return nil, err
		}
		return rt, nil
	}
	script := scripted.DefaultScript()
	if cfg.Script != "" {
		var err error
		if script, err = scripted.LoadScript(cfg.Script); err != nil {
			return nil, err
		}
	}
	return scripted.NewRuntime(script), nil
}

// Close stops the orchestrator, then flushes spans and releases the bus,
// the result store and the log file.
func (s *service) Close(ctx context.Context) error {
	var errs []error
	if s.orch != nil {
		if err := s.orch.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator: %w", err))
		}
	}
	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bus: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}
	return errors.Join(errs...)
}
