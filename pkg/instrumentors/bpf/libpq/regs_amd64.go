package libpq

const (
	archSupported = true

	// offsetof(struct pt_regs, si): the second integer argument in the SysV ABI.
	param2Offset int16 = 13 * 8

	// DefaultLibrarySuffix locates libpq inside a Debian-style root filesystem.
	DefaultLibrarySuffix = "/usr/lib/x86_64-linux-gnu/libpq.so.5"
)
