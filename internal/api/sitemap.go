package api

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Endpoint documents one route on the sitemap
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Session counts and dependency checks"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
	{Path: "/api/devices", Method: "GET", Description: "Every device with its status and availability"},
	{Path: "/api/devices/{id}", Method: "GET", Description: "One device"},
	{Path: "/api/devices/{id}/controls", Method: "POST", Description: `Write control values, e.g. {"D0310E": 22}`},
	{Path: "/api/devices/{id}/stream", Method: "GET", Description: "WebSocket, one message per status update"},
}

var sitemapPage = template.Must(template.New("sitemap").Parse(`<!DOCTYPE html>
<html>
<head>
<title>heatersync API</title>
<style>
body { font-family: monospace; margin: 40px; }
td { padding: 4px 16px 4px 0; }
.method { font-weight: bold; }
</style>
</head>
<body>
<h1>heatersync API</h1>
<table>
{{range .}}<tr><td class="method">{{.Method}}</td><td>{{.Path}}</td><td>{{.Description}}</td></tr>
{{end}}</table>
<p>Try <a href="/api/devices">/api/devices</a>.</p>
</body>
</html>
`))

// handleSitemap lists the endpoints as HTML for browsers and plain text otherwise
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	html := strings.Contains(r.Header.Get("Accept"), "text/html")

	if html {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := sitemapPage.Execute(w, endpoints); err != nil {
			s.logger.Warn("Failed to render sitemap", zap.Error(err))
		}
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "heatersync API")
		fmt.Fprintln(w)
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-5s %-28s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Set the target temperature:")
		fmt.Fprintln(w, `  curl -X POST -d '{"D0310E": 22}' http://localhost:8080/api/devices/<id>/controls`)
	}

	s.logger.Debug("Sitemap served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html", html))
}
