// Package docs embeds the HTTP API description served at /openapi.yaml.
package docs

import _ "embed"

// OpenAPISpec is the OpenAPI 3 document for the logs API.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
