package logging

import (
	"encoding/json"
	"html/template"
	"net/http"
)

var levelPage = template.Must(template.New("levels").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Log Levels</title>
<style>
body { font-family: monospace; margin: 2em; }
li { margin: 0.3em 0; }
button { margin-left: 0.2em; }
button.on { font-weight: bold; }
</style>
</head>
<body>
<h1>Log Levels</h1>
<ul>
{{- range .}}
<li>{{.Name}}:
{{- $name := .Name}}{{$current := .Level}}
{{- range $lvl := .Choices}}
<button class="{{if eq $lvl $current}}on{{end}}" onclick="set('{{$name}}', '{{$lvl}}')">{{$lvl}}</button>
{{- end}}
</li>
{{- end}}
</ul>
<script>
function set(name, level) {
  fetch(window.location.pathname, {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({subsystem: name, level: level}),
  }).then(resp => {
    if (!resp.ok) {
      resp.text().then(msg => alert(msg))
      return
    }
    window.location.reload()
  })
}
</script>
</body>
</html>
`))

var levelNames = []string{"debug", "info", "warn", "error"}

// DebugHandler serves a page for inspecting and changing log levels at
// runtime. GET renders the current level of every registered subsystem,
// POST takes a JSON body {"subsystem": ..., "level": ...}; subsystem
// "*" changes all of them at once.
func DebugHandler() http.Handler {
	type row struct {
		Name    string
		Level   string
		Choices []string
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			rows := []row{{Name: "*", Choices: levelNames}}
			for _, name := range ListLogNames() {
				rows = append(rows, row{
					Name:    name,
					Level:   GetLogLevel(name).String(),
					Choices: levelNames,
				})
			}

			w.Header().Set("Content-Type", "text/html")
			if err := levelPage.Execute(w, rows); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}

		case http.MethodPost:
			var in struct {
				Subsystem string `json:"subsystem"`
				Level     string `json:"level"`
			}
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := SetLogLevelErr(in.Subsystem, in.Level); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
