package dashboard

import (
	"html/template"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/marcus-qen/opsbus/internal/config"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>opsbus</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; max-width: 60rem; }
table { border-collapse: collapse; width: 100%; }
td, th { border: 1px solid #ccc; padding: 0.4rem 0.6rem; text-align: left; }
th { background: #f5f5f5; }
input { width: 100%; box-sizing: border-box; }
button { margin-top: 1rem; padding: 0.4rem 1.2rem; }
</style>
</head>
<body>
<h1>opsbus configuration</h1>
<p>Values marked *** are redacted. Saving rewrites the env file atomically.</p>
<form id="cfg">
<table>
<tr><th>Key</th><th>Value</th></tr>
{{range .Entries}}<tr><td>{{.Key}}</td><td><input name="{{.Key}}" value="{{.Value}}"></td></tr>
{{end}}
</table>
<button type="submit">Save</button>
</form>
<script>
document.getElementById('cfg').addEventListener('submit', async (e) => {
  e.preventDefault();
  const body = {};
  for (const el of e.target.elements) {
    if (el.name && el.value !== '***') body[el.name] = el.value;
  }
  const resp = await fetch('/api/config', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify(body),
  });
  alert(resp.ok ? 'saved' : 'save failed: ' + (await resp.text()));
});
</script>
</body>
</html>
`))

type configEntry struct {
	Key   string
	Value string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snapshot, err := config.Snapshot(s.deps.EnvPath)
	if err != nil {
		s.logger.Warn("config snapshot failed", zap.Error(err))
		snapshot = map[string]string{}
	}
	entries := make([]configEntry, 0, len(snapshot))
	for k, v := range snapshot {
		entries = append(entries, configEntry{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, map[string]any{"Entries": entries}); err != nil {
		s.logger.Warn("index render failed", zap.Error(err))
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	snapshot, err := config.Snapshot(s.deps.EnvPath)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "config": snapshot})
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := decodeJSON(r, &updates); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	if len(updates) == 0 {
		writeJSONError(w, http.StatusBadRequest, "validation", "no updates supplied")
		return
	}
	if err := config.ApplyUpdates(s.deps.EnvPath, updates); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	s.publishSync("config updated", "config")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "updated": len(updates)})
}
