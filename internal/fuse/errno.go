package fuse

import (
	"errors"
	"syscall"

	cowfserrors "github.com/cowfs/cowfs/pkg/errors"
)

// errnoFor translates a CowfsError (or any error wrapping one) into the
// syscall.Errno the kernel expects back from a FUSE operation. Anything
// that isn't a CowfsError is treated as an opaque I/O failure.
func errnoFor(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var cerr *cowfserrors.CowfsError
	if !errors.As(err, &cerr) {
		return syscall.EIO
	}

	switch cerr.Code {
	case cowfserrors.ErrCodeNotFound:
		return syscall.ENOENT
	case cowfserrors.ErrCodeExists:
		return syscall.EEXIST
	case cowfserrors.ErrCodeNotEmpty:
		return syscall.ENOTEMPTY
	case cowfserrors.ErrCodeIsDirectory:
		return syscall.EISDIR
	case cowfserrors.ErrCodeNotDirectory:
		return syscall.ENOTDIR
	case cowfserrors.ErrCodeStaleHandle:
		return syscall.ESTALE
	case cowfserrors.ErrCodeNotSupported:
		return syscall.ENOSYS
	case cowfserrors.ErrCodeBufferFull, cowfserrors.ErrCodeResourceExhausted:
		return syscall.ENOSPC
	case cowfserrors.ErrCodeOperationTimeout:
		return syscall.ETIMEDOUT
	case cowfserrors.ErrCodeServiceUnavailable, cowfserrors.ErrCodeServiceDegraded:
		return syscall.EAGAIN
	default:
		return syscall.EIO
	}
}
