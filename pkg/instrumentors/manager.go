package instrumentors

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	agenterrors "github.com/dangbb/pqexec-agent/pkg/errors"
	"github.com/dangbb/pqexec-agent/pkg/instrumentors/events"
	"github.com/dangbb/pqexec-agent/pkg/log"
	"github.com/dangbb/pqexec-agent/pkg/process"
	"github.com/dangbb/pqexec-agent/pkg/sink"
)

const managerName = "instrumentors-manager"

// Instrumentor attaches to a target process and produces its calls as events.
type Instrumentor interface {
	LibraryName() string
	FuncNames() []string
	Load(target *process.TargetProcess) error
	Run(ctx context.Context, eventsChan chan<- *events.Event) error
	Dropped() (uint64, error)
	Close()
}

// Manager fans the events of one instrumentor out to every sink.
type Manager struct {
	instrumentor       Instrumentor
	sinks              []sink.Sink
	dropReportInterval time.Duration
	clock              clock.Clock

	incomingEvents chan *events.Event
	sinkFailures   map[string]uint64
}

type ManagerOption func(*Manager)

// WithManagerClock replaces the clock driving drop reports.
func WithManagerClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// NewManager returns a manager for inst. A non-positive dropReportInterval
// disables periodic drop reports.
func NewManager(inst Instrumentor, sinks []sink.Sink, dropReportInterval time.Duration, opts ...ManagerOption) (*Manager, error) {
	if inst == nil {
		return nil, errors.New("instrumentor must not be nil")
	}
	if len(sinks) == 0 {
		return nil, errors.New("at least one sink is required")
	}

	m := &Manager{
		instrumentor:       inst,
		sinks:              sinks,
		dropReportInterval: dropReportInterval,
		clock:              clock.New(),
		incomingEvents:     make(chan *events.Event),
		sinkFailures:       make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}

	log.Logger.V(0).Info("registered instrumentor",
		"library", inst.LibraryName(), "functions", inst.FuncNames())
	return m, nil
}

// Load attaches the instrumentor to target.
func (m *Manager) Load(target *process.TargetProcess) error {
	return m.instrumentor.Load(target)
}

// Run delivers events to the sinks in arrival order until ctx is done or the
// instrumentor stops. A sink that fails to write loses that event only.
func (m *Manager) Run(ctx context.Context) error {
	logger := log.Logger.WithName(managerName)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(m.incomingEvents)
		defer cancel()
		return m.instrumentor.Run(gctx, m.incomingEvents)
	})

	g.Go(func() error {
		for e := range m.incomingEvents {
			m.dispatch(e)
		}
		return nil
	})

	if m.dropReportInterval > 0 {
		g.Go(func() error {
			m.reportDrops(gctx)
			return nil
		})
	}

	err := g.Wait()

	total, dropErr := m.instrumentor.Dropped()
	if dropErr != nil {
		logger.Error(dropErr, "unable to read drop counter")
	} else {
		logger.V(0).Info("capture finished", "dropped_records", total, "sink_failures", m.sinkFailures)
	}

	if err != nil && !errors.Is(err, agenterrors.ErrInterrupted) {
		logger.Error(err, "instrumentor stopped")
	}
	return err
}

func (m *Manager) dispatch(e *events.Event) {
	for _, s := range m.sinks {
		if err := s.Write(e); err != nil {
			m.sinkFailures[s.Name()]++
			log.Logger.WithName(managerName).Error(err, "sink write failed",
				"sink", s.Name(), "pid", e.PID)
		}
	}
}

func (m *Manager) reportDrops(ctx context.Context) {
	logger := log.Logger.WithName(managerName)
	ticker := m.clock.Ticker(m.dropReportInterval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total, err := m.instrumentor.Dropped()
			if err != nil {
				logger.Error(err, "unable to read drop counter")
				continue
			}
			if total > last {
				logger.Info("ring buffer full, records dropped",
					"dropped", total-last, "dropped_total", total)
				last = total
			}
		}
	}
}

// SinkFailures returns how many writes each sink has rejected. It must not be
// called while Run is in progress.
func (m *Manager) SinkFailures() map[string]uint64 {
	out := make(map[string]uint64, len(m.sinkFailures))
	for k, v := range m.sinkFailures {
		out[k] = v
	}
	return out
}

// Close detaches the instrumentor and closes every sink.
func (m *Manager) Close() error {
	m.instrumentor.Close()

	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			log.Logger.WithName(managerName).Error(err, "error closing sink", "sink", s.Name())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
