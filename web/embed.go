// Package web embeds the Elysium Atlas dashboard bundle (dist/).
//
// The checked-in index.html is a placeholder; the dashboard build replaces
// dist/ before the server is compiled.
package web

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// backendPrefixes are owned by the server. Unknown paths under them are 404s,
// never the dashboard shell.
var backendPrefixes = []string{"/api/", "/ws/"}

// Dashboard serves the embedded dashboard bundle.
type Dashboard struct {
	files  fs.FS
	static http.Handler
}

// NewDashboard creates a handler over the embedded bundle.
func NewDashboard() (*Dashboard, error) {
	sub, err := fs.Sub(distFS, "dist")
	if err != nil {
		return nil, err
	}
	return &Dashboard{files: sub, static: http.FileServer(http.FS(sub))}, nil
}

// SPAHandler returns the dashboard handler and panics if the bundle is
// missing from the binary.
func SPAHandler() http.Handler {
	d, err := NewDashboard()
	if err != nil {
		panic("web: embedded dashboard unavailable: " + err.Error())
	}
	return d
}

// ServeHTTP serves bundle assets as-is. Any other dashboard route such as
// /agents/new gets index.html so the client-side router can take over.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, prefix := range backendPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			http.NotFound(w, r)
			return
		}
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name != "" && d.exists(name) {
		d.static.ServeHTTP(w, r)
		return
	}

	r.URL.Path = "/"
	d.static.ServeHTTP(w, r)
}

func (d *Dashboard) exists(name string) bool {
	f, err := d.files.Open(name)
	if err != nil {
		return false
	}
	if err := f.Close(); err != nil {
		slog.Debug("web: failed to close embedded file", "path", name, "error", err)
	}
	return true
}
