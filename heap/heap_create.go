package heap

import (
	"strings"
)

// CreateFlags indicate specific heap behaviors to activate or deactivate
type CreateFlags int32

const (
	// HeapCreateExternallySynchronized ensures that the heap will not be synchronized internally. The
	// consumer must guarantee that Allocate and Release are never running at the same time, for
	// instance by disabling preemption around each call, but the calls avoid the cost of a mutex.
	HeapCreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	HeapCreateExternallySynchronized: "HeapCreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for flag := CreateFlags(1); flag != 0 && flag <= f; flag <<= 1 {
		if f&flag == 0 {
			continue
		}

		name, ok := createFlagsMapping[flag]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// DefaultMinOrder is the order used when CreateOptions.MinOrder is 0: 16-byte blocks
	DefaultMinOrder int = 4
	// DefaultMaxOrder is the order used when CreateOptions.MaxOrder is 0: 1KiB blocks
	DefaultMaxOrder int = 10
)

// CreateOptions contains optional settings when creating a heap
type CreateOptions struct {
	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags

	// MinOrder is the order of the smallest block the heap hands out. Every request is rounded
	// up to at least 2^MinOrder bytes. If 0, DefaultMinOrder is used.
	MinOrder int
	// MaxOrder is the order of the largest block the heap hands out. Requests larger than
	// 2^MaxOrder - 1 bytes fail with memutils.ErrSizeTooLarge. If 0, DefaultMaxOrder is used.
	MaxOrder int

	// BaseAddress is the address reported for the first byte of the arena. Kernels that hand the
	// heap a window of physical memory can set this to the window's physical address, so that the
	// addresses returned from Allocate are meaningful to the rest of the kernel. If 0, the Go address
	// of the arena is used.
	BaseAddress uintptr
}
