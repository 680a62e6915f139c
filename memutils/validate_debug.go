//go:build debug_kheap

package memutils

import "encoding/binary"

const (
	// PoisonEnabled is true when released blocks are filled with a marker pattern so that writes
	// to freed memory can be detected later
	PoisonEnabled = true
	// poisonMagicValue is a 4-byte pattern copied across every released block
	poisonMagicValue uint32 = 0x7F84E666
)

// WritePoison fills the provided block with an easy-to-identify marker.
// This method no-ops unless the debug_kheap build tag is present.
func WritePoison(block []byte) {
	var pattern [4]byte
	binary.LittleEndian.PutUint32(pattern[:], poisonMagicValue)

	for i := range block {
		block[i] = pattern[i%len(pattern)]
	}
}

// ValidatePoison verifies that the marker written by WritePoison is still intact across the whole block.
// It returns true if the marker is still present and false otherwise.
// This method always returns true unless the debug_kheap build tag is present.
func ValidatePoison(block []byte) bool {
	var pattern [4]byte
	binary.LittleEndian.PutUint32(pattern[:], poisonMagicValue)

	for i := range block {
		if block[i] != pattern[i%len(pattern)] {
			return false
		}
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_kheap build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}
