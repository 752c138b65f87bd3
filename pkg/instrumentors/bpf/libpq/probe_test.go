package libpq

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agenterrors "github.com/dangbb/pqexec-agent/pkg/errors"
	"github.com/dangbb/pqexec-agent/pkg/instrumentors/events"
	"github.com/dangbb/pqexec-agent/pkg/process"
)

const testSuffix = "/usr/lib/x86_64-linux-gnu/libpq.so.5"

type fakeReader struct {
	records   chan ringbuf.Record
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		records: make(chan ringbuf.Record),
		closed:  make(chan struct{}),
	}
}

func (f *fakeReader) Read() (ringbuf.Record, error) {
	select {
	case <-f.closed:
		return ringbuf.Record{}, ringbuf.ErrClosed
	default:
	}
	select {
	case r := <-f.records:
		return r, nil
	case <-f.closed:
		return ringbuf.Record{}, ringbuf.ErrClosed
	}
}

func (f *fakeReader) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

type fakeCounter struct {
	value uint64
	err   error
}

func (f *fakeCounter) Lookup(key, valueOut interface{}) error {
	if f.err != nil {
		return f.err
	}
	*(valueOut.(*uint64)) = f.value
	return nil
}

func sample(pid uint64, arg string) ringbuf.Record {
	raw := make([]byte, events.RecordSize)
	binary.LittleEndian.PutUint64(raw, pid)
	copy(raw[events.ArgumentOffset:], arg)
	return ringbuf.Record{RawSample: raw}
}

func writeLibrary(t *testing.T, procRoot string, pid string) string {
	t.Helper()
	dir := filepath.Join(procRoot, pid, "root", filepath.Dir(testSuffix))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	libPath := filepath.Join(dir, "libpq.so.5.15")
	require.NoError(t, os.WriteFile(libPath, []byte("\x7fELF"), 0o644))
	return libPath
}

func TestResolveLibraryPath(t *testing.T) {
	procRoot := t.TempDir()
	libPath := writeLibrary(t, procRoot, "4242")
	require.NoError(t, os.Symlink("libpq.so.5.15", filepath.Join(filepath.Dir(libPath), "libpq.so.5")))

	path, err := ResolveLibraryPath(procRoot, 4242, testSuffix)
	require.NoError(t, err)
	assert.Equal(t, libPath, path)
}

func TestResolveLibraryPathAbsoluteSymlinkStaysInRoot(t *testing.T) {
	procRoot := t.TempDir()
	libPath := writeLibrary(t, procRoot, "4242")
	// an absolute link target is relative to the process root, not the host
	target := filepath.Join(filepath.Dir(testSuffix), "libpq.so.5.15")
	require.NoError(t, os.Symlink(target, filepath.Join(filepath.Dir(libPath), "libpq.so.5")))

	path, err := ResolveLibraryPath(procRoot, 4242, testSuffix)
	require.NoError(t, err)
	assert.Equal(t, libPath, path)
}

func TestResolveLibraryPathMissing(t *testing.T) {
	procRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(procRoot, "4242", "root"), 0o755))

	_, err := ResolveLibraryPath(procRoot, 4242, testSuffix)
	require.ErrorIs(t, err, agenterrors.ErrLibraryNotFound)
}

func TestLoadMissingLibrary(t *testing.T) {
	inst := New(Options{Symbol: "PQexec", LibrarySuffix: testSuffix, ProcRoot: t.TempDir()})

	err := inst.Load(&process.TargetProcess{PID: 4242, CmdLine: []byte("testapp")})
	require.ErrorIs(t, err, agenterrors.ErrLibraryNotFound)
	assert.Empty(t, inst.LibraryPath())
	inst.Close()
}

func TestNewDefaults(t *testing.T) {
	inst := New(Options{Symbol: "PQexec"})
	assert.Equal(t, DefaultLibrarySuffix, inst.librarySuffix)
	assert.Equal(t, "/proc", inst.procRoot)
	assert.Equal(t, uint32(1<<24), inst.ringSize)
	assert.Equal(t, "libpq.so.5", inst.LibraryName())
	assert.Equal(t, []string{"PQexec"}, inst.FuncNames())
}

func TestRunPreservesOrder(t *testing.T) {
	rd := newFakeReader()
	inst := &Instrumentor{symbol: "PQexec", reader: rd}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan *events.Event)
	done := make(chan error, 1)
	go func() { done <- inst.Run(ctx, out) }()

	rd.records <- sample(7, "A")
	first := <-out
	rd.records <- ringbuf.Record{RawSample: []byte{1, 2, 3}}
	rd.records <- sample(7, "B")
	second := <-out

	assert.Equal(t, "pid=7 PQexec sql=A\n", first.LogLine())
	assert.Equal(t, "pid=7 PQexec sql=B\n", second.LogLine())

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, agenterrors.ErrInterrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	select {
	case <-rd.closed:
	default:
		t.Fatal("reader was not closed on cancellation")
	}
}

func TestRunReaderClosed(t *testing.T) {
	rd := newFakeReader()
	inst := &Instrumentor{symbol: "PQexec", reader: rd}
	require.NoError(t, rd.Close())

	err := inst.Run(context.Background(), make(chan *events.Event))
	require.NoError(t, err)
}

func TestRunNotLoaded(t *testing.T) {
	inst := New(Options{Symbol: "PQexec"})
	require.Error(t, inst.Run(context.Background(), make(chan *events.Event)))
}

func TestDropped(t *testing.T) {
	inst := &Instrumentor{}
	n, err := inst.Dropped()
	require.NoError(t, err)
	assert.Zero(t, n)

	inst.drops = &fakeCounter{value: 12}
	n, err = inst.Dropped()
	require.NoError(t, err)
	assert.Equal(t, uint64(12), n)

	inst.drops = &fakeCounter{err: errors.New("bad fd")}
	_, err = inst.Dropped()
	require.Error(t, err)
}
