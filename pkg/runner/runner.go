package runner

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"

	"github.com/dangbb/pqexec-agent/pkg/config"
	agenterrors "github.com/dangbb/pqexec-agent/pkg/errors"
	"github.com/dangbb/pqexec-agent/pkg/instrumentors"
	"github.com/dangbb/pqexec-agent/pkg/instrumentors/bpf/libpq"
	"github.com/dangbb/pqexec-agent/pkg/log"
	"github.com/dangbb/pqexec-agent/pkg/opentelemetry"
	"github.com/dangbb/pqexec-agent/pkg/process"
	"github.com/dangbb/pqexec-agent/pkg/sink"
)

// Runner drives one capture session: discovery, attachment, then delivery.
type Runner struct {
	cfg         config.Config
	locator     *process.Locator
	instManager *instrumentors.Manager
}

// NewRunner wires every component described by cfg. The output file is
// opened here so an unwritable destination fails before discovery starts.
func NewRunner(cfg config.Config, opts ...process.Option) (*Runner, error) {
	log.Logger.V(0).Info("starting PQexec agent",
		"pattern", cfg.TargetPattern, "symbol", cfg.Symbol, "output", cfg.OutputFile)

	locator, err := process.NewLocator(cfg.ProcRoot, cfg.TargetPattern, cfg.DiscoveryInterval, opts...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "create process locator")
	}

	fileSink, err := sink.NewFileSink(sink.Options{
		OutputPath:        cfg.OutputFile,
		CreateDirectories: cfg.CreateDirectories,
	})
	if err != nil {
		return nil, err
	}
	sinks := []sink.Sink{fileSink}

	if cfg.OTLPEndpoint != "" {
		otelController, err := opentelemetry.NewController(context.Background(), cfg.OTLPEndpoint, cfg.ServiceName)
		if err != nil {
			fileSink.Close()
			return nil, pkgerrors.Wrap(err, "create OpenTelemetry controller")
		}
		sinks = append(sinks, otelController)
	}

	inst := libpq.New(libpq.Options{
		Symbol:         cfg.Symbol,
		LibrarySuffix:  cfg.LibrarySuffix,
		ProcRoot:       cfg.ProcRoot,
		RingBufferSize: cfg.RingBufferSize,
	})

	instManager, err := instrumentors.NewManager(inst, sinks, cfg.DropReportInterval)
	if err != nil {
		for _, s := range sinks {
			s.Close()
		}
		return nil, pkgerrors.Wrap(err, "create instrumentors manager")
	}

	return &Runner{
		cfg:         cfg,
		locator:     locator,
		instManager: instManager,
	}, nil
}

// Run returns nil when ctx is cancelled at any stage.
func (r *Runner) Run(ctx context.Context) error {
	target, err := r.locator.Locate(ctx)
	if err != nil {
		if errors.Is(err, agenterrors.ErrInterrupted) {
			return nil
		}
		log.Logger.Error(err, "error while discovering process")
		return err
	}

	if err := r.instManager.Load(target); err != nil {
		log.Logger.Error(err, "error while attaching probe", "pid", target.PID)
		return err
	}

	log.Logger.V(0).Info("capturing calls", "pid", target.PID, "symbol", r.cfg.Symbol)
	err = r.instManager.Run(ctx)
	if err != nil && !errors.Is(err, agenterrors.ErrInterrupted) {
		log.Logger.Error(err, "error while running instrumentors")
		return err
	}
	return nil
}

func (r *Runner) Close() error {
	log.Logger.V(0).Info("cleaning up")
	return r.instManager.Close()
}
