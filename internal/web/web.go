// Package web serves the embedded single page and the configuration error
// page shown while credentials are missing.
package web

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"
	"net/http"
)

//go:embed static templates
var assets embed.FS

var configErrorTmpl = template.Must(template.ParseFS(assets, "templates/config_error.html"))

// Static serves the page assets under /static/.
func Static() http.Handler {
	sub, err := fs.Sub(assets, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

// Index writes the question page.
func Index(w http.ResponseWriter, r *http.Request) {
	page, err := assets.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(page)
}

// ConfigError renders the full-screen page listing the missing credential
// variables. It is served with 503 so health probes see the fault.
func ConfigError(w http.ResponseWriter, title string, missing []string) error {
	var buf bytes.Buffer
	if err := configErrorTmpl.Execute(&buf, struct {
		Title   string
		Missing []string
	}{title, missing}); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, err := buf.WriteTo(w)
	return err
}
