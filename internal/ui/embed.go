package ui

import _ "embed"

// DocsPage is the interactive API reference served at /docs. It renders the
// document served at /openapi.json.
//
//go:embed docs.html
var DocsPage []byte
