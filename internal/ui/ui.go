// Package ui renders the server-side HTML views. Rendering is pure: output
// depends only on the arguments.
package ui

import (
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("ui").ParseFS(templateFS, "templates/*.html"))
