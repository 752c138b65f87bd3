package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"golang.org/x/exp/slices"

	agenterrors "github.com/dangbb/pqexec-agent/pkg/errors"
	"github.com/dangbb/pqexec-agent/pkg/log"
)

const locatorName = "process-locator"

// TargetProcess is the process selected for tracing. It is resolved once and
// never re-validated, even if the process later exits.
type TargetProcess struct {
	PID     int
	CmdLine []byte
}

// Locator polls the process table until a command line contains the pattern.
type Locator struct {
	fs       procfs.FS
	pattern  []byte
	interval time.Duration
	clock    clock.Clock
	selfPID  int
}

// Option configures a Locator.
type Option func(*Locator)

// WithClock replaces the wall clock driving the poll ticker.
func WithClock(c clock.Clock) Option {
	return func(l *Locator) { l.clock = c }
}

// WithSelfPID sets the PID that is never matched. It defaults to the agent's own PID.
func WithSelfPID(pid int) Option {
	return func(l *Locator) { l.selfPID = pid }
}

// NewLocator returns a Locator reading the process table mounted at procRoot.
func NewLocator(procRoot, pattern string, interval time.Duration, opts ...Option) (*Locator, error) {
	if pattern == "" {
		return nil, errors.New("target pattern must not be empty")
	}
	if interval <= 0 {
		return nil, pkgerrors.Errorf("invalid poll interval %s", interval)
	}

	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open proc filesystem at %s", procRoot)
	}

	l := &Locator{
		fs:       fs,
		pattern:  []byte(pattern),
		interval: interval,
		clock:    clock.New(),
		selfPID:  os.Getpid(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Locate blocks until a matching process appears or ctx is done. A scan
// happens immediately and then once per interval.
func (l *Locator) Locate(ctx context.Context) (*TargetProcess, error) {
	logger := log.Logger.WithName(locatorName).WithValues("pattern", string(l.pattern))

	ticker := l.clock.Ticker(l.interval)
	defer ticker.Stop()

	for {
		target, err := l.findProcess()
		if err == nil {
			logger.V(0).Info("found target process", "pid", target.PID)
			return target, nil
		}

		if errors.Is(err, agenterrors.ErrProcessNotFound) {
			logger.V(1).Info("process not found yet, trying again soon")
		} else {
			logger.Error(err, "error while searching for process")
		}

		select {
		case <-ctx.Done():
			logger.V(0).Info("stopping process discovery due to cancellation")
			return nil, agenterrors.ErrInterrupted
		case <-ticker.C:
		}
	}
}

func (l *Locator) findProcess() (*TargetProcess, error) {
	procs, err := l.fs.AllProcs()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list processes")
	}

	byPID := make(map[int]procfs.Proc, len(procs))
	pids := make([]int, 0, len(procs))
	for _, p := range procs {
		byPID[p.PID] = p
		pids = append(pids, p.PID)
	}
	slices.Sort(pids)

	for _, pid := range pids {
		if pid == l.selfPID {
			continue
		}

		// The process may have exited since the directory was listed.
		args, err := byPID[pid].CmdLine()
		if err != nil {
			continue
		}

		cmdline := []byte(strings.Join(args, " "))
		if bytes.Contains(cmdline, l.pattern) {
			return &TargetProcess{PID: pid, CmdLine: cmdline}, nil
		}
	}

	return nil, agenterrors.ErrProcessNotFound
}
