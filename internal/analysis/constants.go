// Package analysis holds string and symbol helpers shared by the feature
// handlers and the command line front end.
package analysis

// Defaults for string recovery.
const (
	// MaxStringLength bounds how many bytes are read at a candidate address.
	MaxStringLength = 256

	// MinStringLength is the shortest printable run reported as a string.
	MinStringLength = 4

	// MaxDerefDepth bounds pointer-to-string dereferences.
	MaxDerefDepth = 4
)
