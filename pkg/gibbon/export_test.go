package gibbon

// Test-only exports for the external test package.
var (
	SanitizeMetadata = sanitizeMetadata
	EnsureMask       = ensureMask
)
