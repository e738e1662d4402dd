// Copyright 2025 aflcov project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/google/aflcov/pkg/covpipe"
	"github.com/google/aflcov/pkg/log"
	"github.com/google/aflcov/pkg/stat"
)

// initHTTP serves a status page while the replay is in flight: progress
// stats, the effective config, the log tail and prometheus metrics.
func initHTTP(addr string, cfg *covpipe.Config) {
	serv := &httpServer{cfg: cfg}
	handle := func(pattern string, handler func(http.ResponseWriter, *http.Request)) {
		http.Handle(pattern, handlers.CompressHandler(http.HandlerFunc(handler)))
	}
	handle("/", serv.httpSummary)
	handle("/config", serv.httpConfig)
	handle("/stats", serv.httpStats)
	handle("/log", serv.httpLog)
	handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}).ServeHTTP)
	// Browsers like to request this, without special handler this goes to / handler.
	handle("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("failed to listen on %v: %v", addr, err)
	}
	log.Logf(0, "serving http on http://%v", ln.Addr())
	go func() {
		err := http.Serve(ln, nil)
		log.Fatalf("failed to serve http: %v", err)
	}()
}

type httpServer struct {
	cfg *covpipe.Config
}

func (serv *httpServer) httpSummary(w http.ResponseWriter, r *http.Request) {
	data := &UISummaryData{
		Mode:       serv.cfg.Mode,
		FuzzingDir: serv.cfg.FuzzingDir,
		OutputDir:  serv.cfg.OutputDir,
		Log:        log.CachedLogOutput(),
	}
	for _, val := range stat.Collect(stat.All) {
		data.Stats = append(data.Stats, UIStat{
			Name:  val.Name,
			Value: val.Value,
			Hint:  val.Desc,
		})
	}
	if err := summaryTemplate.Execute(w, data); err != nil {
		http.Error(w, fmt.Sprintf("failed to execute template: %v", err), http.StatusInternalServerError)
	}
}

func (serv *httpServer) httpConfig(w http.ResponseWriter, r *http.Request) {
	data, err := json.MarshalIndent(serv.cfg, "", "\t")
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to encode json: %v", err), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

func (serv *httpServer) httpStats(w http.ResponseWriter, r *http.Request) {
	data, err := json.MarshalIndent(stat.Collect(stat.All), "", "\t")
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to encode json: %v", err), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

func (serv *httpServer) httpLog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(log.CachedLogOutput()))
}

type UISummaryData struct {
	Mode       string
	FuzzingDir string
	OutputDir  string
	Stats      []UIStat
	Log        string
}

type UIStat struct {
	Name  string
	Value string
	Hint  string
}

func compileTemplate(html string) *template.Template {
	return template.Must(template.New("").Parse(strings.Replace(html, "{{STYLE}}", htmlStyle, -1)))
}

var summaryTemplate = compileTemplate(`
<!doctype html>
<html>
<head>
	<title>aflcov</title>
	{{STYLE}}
</head>
<body>
<b>aflcov: {{.Mode}} coverage for {{.FuzzingDir}}</b>
<br><br>

Results go to {{.OutputDir}} (<a href="/config">full config</a>, <a href="/metrics">metrics</a>)
<br><br>

<table>
	<caption>Stats:</caption>
	{{range $s := $.Stats}}
	<tr>
		<td title="{{$s.Hint}}">{{$s.Name}}</td>
		<td>{{$s.Value}}</td>
	</tr>
	{{end}}
</table>
<br><br>

Log:
<br>
<textarea id="log_textarea" readonly rows="50">
{{.Log}}
</textarea>
<script>
	var textarea = document.getElementById("log_textarea");
	textarea.scrollTop = textarea.scrollHeight;
</script>

</body></html>
`)

const htmlStyle = `
	<style type="text/css" media="screen">
		table {
			border-collapse:collapse;
			border:1px solid;
		}
		table caption {
			font-weight: bold;
		}
		table td {
			border:1px solid;
			padding: 3px;
		}
		table th {
			border:1px solid;
			padding: 3px;
		}
		textarea {
			width:100%;
		}
	</style>
`
