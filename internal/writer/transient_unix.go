//go:build !windows

package writer

import (
	"errors"
	"syscall"
)

func isLockErrno(err error) bool {
	return errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ETXTBSY)
}
