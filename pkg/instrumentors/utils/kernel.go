package utils

import (
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/features"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-version"
	"golang.org/x/sys/unix"
)

// MinRingBufferKernel is the first kernel release with BPF ring buffers.
var MinRingBufferKernel = version.Must(version.NewVersion("5.8"))

// GetLinuxKernelVersion returns the running kernel release.
func GetLinuxKernelVersion() (*version.Version, error) {
	var utsname unix.Utsname
	if err := unix.Uname(&utsname); err != nil {
		return nil, err
	}
	return parseKernelRelease(unix.ByteSliceToString(utsname.Release[:]))
}

// parseKernelRelease keeps the numeric part of a release such as
// "5.15.0-91-generic" or "6.1.55+".
func parseKernelRelease(release string) (*version.Version, error) {
	if i := strings.IndexAny(release, "-+_ "); i != -1 {
		release = release[:i]
	}
	return version.NewVersion(release)
}

// CheckKernelSupport logs a warning for every missing kernel feature the
// capture program relies on. It never fails: loading reports the real error.
func CheckKernelSupport(logger logr.Logger) {
	kv, err := GetLinuxKernelVersion()
	if err != nil {
		logger.Error(err, "could not determine kernel version")
	} else if kv.LessThan(MinRingBufferKernel) {
		logger.Info("kernel is older than required for ring buffers", "kernel", kv.String(), "required", MinRingBufferKernel.String())
	}

	if err := features.HaveMapType(ebpf.RingBuf); err != nil {
		logger.Info("ring buffer maps are not available", "reason", err.Error())
	}
	if err := features.HaveProgramHelper(ebpf.Kprobe, asm.FnProbeReadUserStr); err != nil {
		logger.Info("bpf_probe_read_user_str is not available", "reason", err.Error())
	}
}
