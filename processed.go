package streamform

import "github.com/badu/streamform/storage"

// ProcessedMultipart is the engine's terminal output on success: every
// stored file plus every accepted text field's value(s), in the order
// they were declared by repeated occurrences of the same field name.
type ProcessedMultipart struct {
	StoredFiles []storage.StoredFile
	TextFields  map[string][]string
}
