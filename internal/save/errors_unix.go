//go:build unix

package save

import (
	"errors"

	"golang.org/x/sys/unix"
)

func kindOf(err error) Kind {
	switch {
	case errors.Is(err, unix.ENOSPC), errors.Is(err, unix.EDQUOT):
		return KindDiskFull
	case errors.Is(err, unix.EROFS):
		return KindReadOnly
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return KindPermissionDenied
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENOTDIR), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		return KindNotFound
	default:
		return KindIO
	}
}
