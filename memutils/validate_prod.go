//go:build !debug_kheap

package memutils

const (
	// PoisonEnabled is true when released blocks are filled with a marker pattern so that writes
	// to freed memory can be detected later
	PoisonEnabled = false
)

// WritePoison fills the provided block with an easy-to-identify marker.
// This method no-ops unless the debug_kheap build tag is present.
func WritePoison(block []byte) {
}

// ValidatePoison verifies that the marker written by WritePoison is still intact across the whole block.
// It returns true if the marker is still present and false otherwise.
// This method always returns true unless the debug_kheap build tag is present.
func ValidatePoison(block []byte) bool {
	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_kheap build tag is present
func DebugValidate(validatable Validatable) {
}
