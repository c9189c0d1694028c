// Package schemas holds the embedded JSON Schemas used for strict artifact
// validation.
package schemas

import _ "embed"

// CheckpointSchemaJSON is the schema a checkpoint's config.json must satisfy
// under strict validation.
//
//go:embed checkpoint.schema.json
var CheckpointSchemaJSON string
