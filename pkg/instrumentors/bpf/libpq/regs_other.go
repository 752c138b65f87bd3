//go:build !amd64 && !arm64

package libpq

const (
	archSupported = false

	param2Offset int16 = 0

	DefaultLibrarySuffix = "/usr/lib/libpq.so.5"
)
