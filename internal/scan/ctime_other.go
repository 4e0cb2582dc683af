//go:build !linux && !darwin

package scan

import (
	"io/fs"
	"time"
)

// Platforms without a portable inode change time fall back to the
// modification time.
func changeTime(info fs.FileInfo) time.Time {
	return info.ModTime()
}
