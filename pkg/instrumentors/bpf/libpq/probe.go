// Copyright The OpenTelemetry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package libpq

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	securejoin "github.com/cyphar/filepath-securejoin"
	pkgerrors "github.com/pkg/errors"

	agenterrors "github.com/dangbb/pqexec-agent/pkg/errors"
	"github.com/dangbb/pqexec-agent/pkg/instrumentors/events"
	"github.com/dangbb/pqexec-agent/pkg/instrumentors/utils"
	"github.com/dangbb/pqexec-agent/pkg/log"
	"github.com/dangbb/pqexec-agent/pkg/process"
)

const instrumentorName = "libpq-instrumentor"

// RecordReader is the consumer side of the ring buffer.
type RecordReader interface {
	Read() (ringbuf.Record, error)
	Close() error
}

type counterMap interface {
	Lookup(key, valueOut interface{}) error
}

// Options configures an Instrumentor.
type Options struct {
	// Symbol is the exported function to probe.
	Symbol string
	// LibrarySuffix is the library path inside the target's root filesystem.
	LibrarySuffix string
	// ProcRoot is where the proc filesystem is mounted.
	ProcRoot string
	// RingBufferSize is the ring buffer capacity in bytes.
	RingBufferSize uint32
}

type Instrumentor struct {
	symbol        string
	librarySuffix string
	procRoot      string
	ringSize      uint32

	libraryPath string
	bpfObjects  *probeObjects
	uprobe      link.Link
	reader      RecordReader
	drops       counterMap
}

// New returns a new [Instrumentor].
func New(opts Options) *Instrumentor {
	if opts.LibrarySuffix == "" {
		opts.LibrarySuffix = DefaultLibrarySuffix
	}
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}
	if opts.RingBufferSize == 0 {
		opts.RingBufferSize = 1 << 24
	}
	return &Instrumentor{
		symbol:        opts.Symbol,
		librarySuffix: opts.LibrarySuffix,
		procRoot:      opts.ProcRoot,
		ringSize:      opts.RingBufferSize,
	}
}

func (i *Instrumentor) LibraryName() string {
	return filepath.Base(i.librarySuffix)
}

func (i *Instrumentor) FuncNames() []string {
	return []string{i.symbol}
}

// LibraryPath returns the resolved library path once Load has succeeded.
func (i *Instrumentor) LibraryPath() string {
	return i.libraryPath
}

// ResolveLibraryPath joins suffix onto the root filesystem of pid as seen
// through procRoot. Symlinks are resolved without leaving that root.
func ResolveLibraryPath(procRoot string, pid int, suffix string) (string, error) {
	root := filepath.Join(procRoot, strconv.Itoa(pid), "root")
	path, err := securejoin.SecureJoin(root, suffix)
	if err != nil {
		return "", pkgerrors.Wrapf(err, "resolve %s under %s", suffix, root)
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", pkgerrors.Wrapf(agenterrors.ErrLibraryNotFound, "%s", path)
		}
		return "", pkgerrors.Wrapf(err, "stat %s", path)
	}
	return path, nil
}

// Load attaches the capture program to the symbol inside the target's copy
// of the library. The attachment lasts until Close.
func (i *Instrumentor) Load(target *process.TargetProcess) error {
	logger := log.Logger.WithName(instrumentorName).
		WithValues("pid", target.PID, "function", i.symbol)

	path, err := ResolveLibraryPath(i.procRoot, target.PID, i.librarySuffix)
	if err != nil {
		return err
	}
	i.libraryPath = path

	utils.CheckKernelSupport(logger)

	if err := rlimit.RemoveMemlock(); err != nil {
		return pkgerrors.Wrap(err, "remove memlock rlimit")
	}

	spec, err := captureSpec(i.ringSize)
	if err != nil {
		return err
	}

	i.bpfObjects = &probeObjects{}
	if err := utils.LoadEBPFObjects(spec, i.bpfObjects, &ebpf.CollectionOptions{}); err != nil {
		return pkgerrors.Wrap(err, "load capture program")
	}
	i.drops = i.bpfObjects.Drops

	ex, err := link.OpenExecutable(path)
	if err != nil {
		return pkgerrors.Wrapf(err, "open executable %s", path)
	}

	up, err := ex.Uprobe(i.symbol, i.bpfObjects.UprobeCapture, &link.UprobeOptions{
		PID: target.PID,
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "attach uprobe %s@%s", i.symbol, path)
	}
	i.uprobe = up

	rd, err := ringbuf.NewReader(i.bpfObjects.Events)
	if err != nil {
		return pkgerrors.Wrap(err, "open ring buffer reader")
	}
	i.reader = rd

	logger.V(0).Info("uprobe attached", "library", path)
	return nil
}

// Run drains the ring buffer and sends every decoded call to eventsChan in
// the order the kernel produced them. It returns ErrInterrupted once ctx is done.
func (i *Instrumentor) Run(ctx context.Context, eventsChan chan<- *events.Event) error {
	logger := log.Logger.WithName(instrumentorName)
	if i.reader == nil {
		return errors.New("instrumentor is not loaded")
	}

	// Closing the reader is the only way to unblock a pending Read.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			i.reader.Close()
		case <-stop:
		}
	}()

	for {
		record, err := i.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				logger.V(0).Info("ring buffer closed")
				if ctx.Err() != nil {
					return agenterrors.ErrInterrupted
				}
				return nil
			}
			if ctx.Err() != nil {
				return agenterrors.ErrInterrupted
			}
			logger.Error(err, "error reading from ring buffer")
			continue
		}

		rec, err := events.Decode(record.RawSample)
		if err != nil {
			logger.Error(err, "error parsing ring buffer record")
			continue
		}

		select {
		case eventsChan <- events.NewEvent(rec, i.symbol, time.Now()):
		case <-ctx.Done():
			return agenterrors.ErrInterrupted
		}
	}
}

// Dropped returns how many records the kernel discarded because the ring
// buffer was full.
func (i *Instrumentor) Dropped() (uint64, error) {
	if i.drops == nil {
		return 0, nil
	}
	var n uint64
	if err := i.drops.Lookup(uint32(0), &n); err != nil {
		return 0, pkgerrors.Wrap(err, "read drop counter")
	}
	return n, nil
}

func (i *Instrumentor) Close() {
	log.Logger.V(0).Info("closing libpq instrumentor")
	if i.reader != nil {
		i.reader.Close()
	}

	if i.uprobe != nil {
		i.uprobe.Close()
	}

	if i.bpfObjects != nil {
		i.bpfObjects.Close()
	}
}
