//go:build linux || darwin || freebsd || netbsd || openbsd

package project

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ArrivedAt returns when a file was last placed or changed at path. The
// inode change time is used because moving or copying a file into data/
// updates it even when the modification time is preserved.
func ArrivedAt(path string) (time.Time, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return time.Time{}, fmt.Errorf("project: stat %s: %w", path, err)
	}
	sec, nsec := st.Ctim.Unix()
	return time.Unix(sec, nsec), nil
}
