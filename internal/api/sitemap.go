package api

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
	{Path: "/api/flows", Method: "GET", Description: "List in-progress setup flows (?handler=<domain>)"},
	{Path: "/api/flows", Method: "POST", Description: "Start a setup flow - body {\"handler\": \"vimar_ip_connector\"}"},
	{Path: "/api/flows/{flow_id}", Method: "POST", Description: "Submit input to the current step of a flow"},
	{Path: "/api/flows/{flow_id}", Method: "DELETE", Description: "Abort a setup flow"},
	{Path: "/api/flows/{flow_id}/trace", Method: "GET", Description: "Steps recorded for a flow"},
	{Path: "/api/entries", Method: "GET", Description: "List config entries (?domain=<domain>)"},
	{Path: "/api/entries/{entry_id}", Method: "DELETE", Description: "Remove a config entry"},
	{Path: "/ws/flows", Method: "GET", Description: "WebSocket stream of flow and entry events"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// handleSitemap returns a list of all available API endpoints.
// Unknown paths get the sitemap too.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	// Return 404 status code (for automation compatibility) but with helpful body
	w.WriteHeader(http.StatusNotFound)

	if preferHTML {
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Vimar Connector Setup API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Vimar Connector Setup API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		fmt.Fprintf(w, "Vimar Connector Setup API\n")
		fmt.Fprintf(w, "=========================\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-7s %-28s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExample:\n\n")
		fmt.Fprintf(w, "  curl -X POST -d '{\"handler\":\"vimar_ip_connector\"}' http://localhost:8081/api/flows\n\n")
	}

	s.logger.Debug("Sitemap request served",
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}
