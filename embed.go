package wallai

import "embed"

// TemplateFS contains the embedded HTML templates used for rendering the chat page. Templates are split
// into layout, pages and partials; partials are also rendered on their own for SSE updates.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the embedded JavaScript and CSS served under /static/.
//
//go:embed static/*
var StaticFS embed.FS
