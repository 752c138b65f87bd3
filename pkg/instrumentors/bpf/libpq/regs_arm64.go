package libpq

const (
	archSupported = true

	// offsetof(struct user_pt_regs, regs[1]): x1 carries the second argument.
	param2Offset int16 = 1 * 8

	// DefaultLibrarySuffix locates libpq inside a Debian-style root filesystem.
	DefaultLibrarySuffix = "/usr/lib/aarch64-linux-gnu/libpq.so.5"
)
