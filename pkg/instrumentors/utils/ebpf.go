package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/cilium/ebpf"
)

const showVerifierLogEnvVar = "OTEL_GO_AUTO_SHOW_VERIFIER_LOG"

// LoadEBPFObjects loads spec into the kernel and assigns the result to the
// tagged fields of to.
func LoadEBPFObjects(spec *ebpf.CollectionSpec, to interface{}, opts *ebpf.CollectionOptions) error {
	if opts == nil {
		opts = &ebpf.CollectionOptions{}
	}

	// Getting full verifier log is expensive, so we only do it if the user explicitly asks for it.
	showVerifierLogs := shouldShowVerifierLogs()
	if showVerifierLogs {
		opts.Programs.LogSize = ebpf.DefaultVerifierLogSize * 100
		opts.Programs.LogLevel = ebpf.LogLevelInstruction | ebpf.LogLevelBranch | ebpf.LogLevelStats
	}

	err := spec.LoadAndAssign(to, opts)
	if err != nil && showVerifierLogs {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			fmt.Fprintf(os.Stderr, "Verifier log: %-100v\n", ve)
		}
	}

	return err
}

func shouldShowVerifierLogs() bool {
	val, exists := os.LookupEnv(showVerifierLogEnvVar)
	if exists {
		boolVal, err := strconv.ParseBool(val)
		if err == nil {
			return boolVal
		}
	}
	return false
}
