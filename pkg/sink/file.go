package sink

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/dangbb/pqexec-agent/pkg/instrumentors/events"
)

// Options configures a FileSink.
type Options struct {
	OutputPath        string
	CreateDirectories bool
	// Mirror receives a copy of every line. It defaults to os.Stdout.
	Mirror io.Writer
}

// FileSink appends one line per event to a file and mirrors it.
type FileSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	w      *bufio.Writer
	mirror io.Writer
	closed bool
}

// NewFileSink opens the output file for appending. Existing content is kept.
func NewFileSink(opts Options) (*FileSink, error) {
	if opts.OutputPath == "" {
		return nil, errors.New("output path must not be empty")
	}
	if opts.Mirror == nil {
		opts.Mirror = os.Stdout
	}

	if opts.CreateDirectories {
		dir := filepath.Dir(opts.OutputPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create directory %s", dir)
		}
	}

	f, err := os.OpenFile(opts.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open output file %s", opts.OutputPath)
	}

	return &FileSink{
		path:   opts.OutputPath,
		file:   f,
		w:      bufio.NewWriter(f),
		mirror: opts.Mirror,
	}, nil
}

func (s *FileSink) Name() string {
	return "file:" + s.path
}

// Write appends the event's line and flushes it before mirroring. A line
// that fails to reach the file is discarded so later lines are unaffected.
func (s *FileSink) Write(e *events.Event) error {
	line := e.LogLine()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.Errorf("write to closed sink %s", s.path)
	}

	if _, err := s.w.WriteString(line); err != nil {
		s.w.Reset(s.file)
		return errors.Wrapf(err, "write %s", s.path)
	}
	if err := s.w.Flush(); err != nil {
		s.w.Reset(s.file)
		return errors.Wrapf(err, "flush %s", s.path)
	}

	if _, err := io.WriteString(s.mirror, line); err != nil {
		return errors.Wrap(err, "mirror line")
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return errors.Wrapf(flushErr, "flush %s", s.path)
	}
	return errors.Wrapf(closeErr, "close %s", s.path)
}
