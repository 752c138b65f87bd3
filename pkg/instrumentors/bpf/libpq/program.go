package libpq

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	agenterrors "github.com/dangbb/pqexec-agent/pkg/errors"
	"github.com/dangbb/pqexec-agent/pkg/instrumentors/events"
)

const (
	programName   = "uprobe_capture"
	eventsMapName = "events"
	dropsMapName  = "drops"

	dropLabel   = "record_dropped"
	submitLabel = "submit"
	exitLabel   = "exit"
)

// probeObjects are the kernel objects created from captureSpec.
type probeObjects struct {
	UprobeCapture *ebpf.Program `ebpf:"uprobe_capture"`
	Events        *ebpf.Map     `ebpf:"events"`
	Drops         *ebpf.Map     `ebpf:"drops"`
}

// Close releases every object. Unassigned fields are nil and closing them is a no-op.
func (o *probeObjects) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{o.UprobeCapture, o.Events, o.Drops} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// captureSpec describes the capture program together with its maps:
// a ring buffer of ringSize bytes and a one-slot counter of dropped records.
func captureSpec(ringSize uint32) (*ebpf.CollectionSpec, error) {
	if !archSupported {
		return nil, agenterrors.ErrUnsupportedArch
	}

	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			eventsMapName: {
				Name:       eventsMapName,
				Type:       ebpf.RingBuf,
				MaxEntries: ringSize,
			},
			dropsMapName: {
				Name:       dropsMapName,
				Type:       ebpf.Array,
				KeySize:    4,
				ValueSize:  8,
				MaxEntries: 1,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			programName: {
				Name:         programName,
				Type:         ebpf.Kprobe,
				License:      "GPL",
				Instructions: captureInstructions(),
			},
		},
	}, nil
}

// captureInstructions runs on every entry of the traced function:
//
//	rec = ringbuf_reserve(events, RecordSize)
//	if !rec { drops[0]++; return 0 }
//	rec->arg = {0}
//	rec->pid = pid_tgid >> 32
//	if (PARM2) probe_read_user_str(rec->arg, ArgumentSize, PARM2)
//	ringbuf_submit(rec)
func captureInstructions() asm.Instructions {
	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),

		asm.LoadMapPtr(asm.R1, 0).WithReference(eventsMapName),
		asm.Mov.Imm(asm.R2, events.RecordSize),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnRingbufReserve.Call(),
		asm.JEq.Imm(asm.R0, 0, dropLabel),
		asm.Mov.Reg(asm.R7, asm.R0),
	}

	// Reserved slots are not zeroed by the kernel.
	for off := events.ArgumentOffset; off < events.RecordSize; off += 8 {
		insns = append(insns, asm.StoreImm(asm.R7, int16(off), 0, asm.DWord))
	}

	insns = append(insns,
		asm.FnGetCurrentPidTgid.Call(),
		asm.RSh.Imm(asm.R0, 32),
		asm.StoreMem(asm.R7, 0, asm.R0, asm.DWord),

		asm.LoadMem(asm.R3, asm.R6, param2Offset, asm.DWord),
		asm.JEq.Imm(asm.R3, 0, submitLabel),
		asm.Mov.Reg(asm.R1, asm.R7),
		asm.Add.Imm(asm.R1, events.ArgumentOffset),
		asm.Mov.Imm(asm.R2, events.ArgumentSize),
		asm.FnProbeReadUserStr.Call(),

		asm.Mov.Reg(asm.R1, asm.R7).WithSymbol(submitLabel),
		asm.Mov.Imm(asm.R2, 0),
		asm.FnRingbufSubmit.Call(),
		asm.Ja.Label(exitLabel),

		asm.StoreImm(asm.RFP, -4, 0, asm.Word).WithSymbol(dropLabel),
		asm.LoadMapPtr(asm.R1, 0).WithReference(dropsMapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, exitLabel),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),

		asm.Mov.Imm(asm.R0, 0).WithSymbol(exitLabel),
		asm.Return(),
	)

	return insns
}
