package main

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed view/index.html static
var embeddedFiles embed.FS

func handleIndex(w http.ResponseWriter, _ *http.Request) {
	page, err := embeddedFiles.ReadFile("view/index.html")
	if err != nil {
		sendErrorResponse(w, "not_found", err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

// staticHandler serves the embedded static directory under /static/.
func staticHandler() http.Handler {
	assets, err := fs.Sub(embeddedFiles, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(assets)))
}
