// Package docs embeds the OpenAPI document of the HTTP API.
package docs

import _ "embed"

// OpenAPI is the raw openapi.yml served at /docs/api/v1.
//
//go:embed openapi.yml
var OpenAPI []byte

// FilePath is the document's location relative to the project root.
const FilePath = "docs/openapi.yml"
