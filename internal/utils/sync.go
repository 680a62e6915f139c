package utils

import (
	"sync"
)

// OptionalMutex is a mutex that only locks when UseMutex is set. It lets an owner skip internal
// synchronization when its consumer has promised to provide exclusion itself.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}
