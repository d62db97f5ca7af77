// Package schemasassets embeds the JSON schemas imputeflow validates user
// documents against, so installed binaries need no schema files on disk.
package schemasassets

import _ "embed"

// ConfigSchema is the schema of an imputeflow configuration file.
//
//go:embed imputeflow-config.schema.json
var ConfigSchema []byte
