package arbiter

import (
	"errors"
	"fmt"
)

// ReturnCode is the status a task receives from the driver, either
// synchronously or as the first upcall argument. The numeric values are
// part of the task ABI.
type ReturnCode int

const (
	Success         ReturnCode = 0
	Fail            ReturnCode = -1
	InvalidArgument ReturnCode = -6
	Cancelled       ReturnCode = -8
	NoMemory        ReturnCode = -9
	NotSupported    ReturnCode = -10
)

// Errors matching the non-success return codes.
var (
	ErrFail            = errors.New("arbiter: failure")
	ErrInvalidArgument = errors.New("arbiter: invalid argument")
	ErrCancelled       = errors.New("arbiter: cancelled")
	ErrNoMemory        = errors.New("arbiter: no memory")
	ErrNotSupported    = errors.New("arbiter: not supported")
)

func (rc ReturnCode) String() string {
	switch rc {
	case Success:
		return "SUCCESS"
	case Fail:
		return "FAIL"
	case InvalidArgument:
		return "EINVAL"
	case Cancelled:
		return "ECANCEL"
	case NoMemory:
		return "ENOMEM"
	case NotSupported:
		return "ENOSUPPORT"
	default:
		return fmt.Sprintf("ReturnCode(%d)", int(rc))
	}
}

// Err returns nil for Success and the matching error otherwise. Unknown
// codes wrap ErrFail.
func (rc ReturnCode) Err() error {
	switch rc {
	case Success:
		return nil
	case Fail:
		return ErrFail
	case InvalidArgument:
		return ErrInvalidArgument
	case Cancelled:
		return ErrCancelled
	case NoMemory:
		return ErrNoMemory
	case NotSupported:
		return ErrNotSupported
	default:
		return fmt.Errorf("%w: %s", ErrFail, rc)
	}
}
