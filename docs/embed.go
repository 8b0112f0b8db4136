package docs

import "embed"

// FS contains the Markdown guides bundled with the stdb binary.
//
//go:embed index.yaml guide
var FS embed.FS
