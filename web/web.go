// Package web embeds the static dashboard assets served by the HTTP facade.
package web

import "embed"

// AssetsFS holds the dashboard HTML and stylesheet.
//
//go:embed index.html style.css
var AssetsFS embed.FS
