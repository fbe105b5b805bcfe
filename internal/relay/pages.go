package relay

import (
	"embed"
	"html/template"
	"net/http"
)

//go:embed templates
var templateFS embed.FS

var indexTmpl = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type indexData struct {
	Version string
	Profile string
	WSPath  string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err := indexTmpl.Execute(w, indexData{
		Version: s.Config.Version,
		Profile: s.Config.Profile,
		WSPath:  "/ws",
	})
	if err != nil {
		s.Relay.log().Error("render index", "err", err)
	}
}
