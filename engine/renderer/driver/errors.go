package driver

import "github.com/cockroachdb/errors"

var (
	ErrOutOfPoolMemory = errors.New("descriptor pool out of memory")
	ErrTimeout         = errors.New("timeout")
	ErrDeviceLost      = errors.New("device lost")
	ErrNoMemoryType    = errors.New("no suitable memory type")
	ErrInvalidHandle   = errors.New("invalid or stale handle")
)
