//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package project

import (
	"fmt"
	"os"
	"time"
)

// ArrivedAt returns the modification time of path.
func ArrivedAt(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("project: stat %s: %w", path, err)
	}
	return info.ModTime(), nil
}
