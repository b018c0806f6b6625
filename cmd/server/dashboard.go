package main

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strconv"

	"github.com/KanavDutta/ratefence/config"
	"github.com/KanavDutta/ratefence/limiter"
)

// dashboardOutcomes are the table columns, in display order
var dashboardOutcomes = []limiter.Outcome{
	limiter.OutcomeAllowed,
	limiter.OutcomeDenied,
	limiter.OutcomeDegradedAllowed,
	limiter.OutcomeDegradedDenied,
	limiter.OutcomeContended,
}

type dashboardRoute struct {
	Path     string
	Capacity string
	Rate     string
}

type dashboardView struct {
	Backend         string
	FailurePolicy   string
	DefaultStrategy string
	Capacity        int64
	Rate            string
	MaxRetries      int
	Strategies      []string
	Outcomes        []limiter.Outcome
	Routes          []dashboardRoute
}

func newDashboardView(cfg *config.Config) dashboardView {
	view := dashboardView{
		Backend:         cfg.Backend(),
		FailurePolicy:   cfg.FailurePolicy,
		DefaultStrategy: cfg.DefaultStrategy,
		Capacity:        cfg.Capacity,
		Rate:            strconv.FormatFloat(cfg.Rate, 'g', -1, 64),
		MaxRetries:      cfg.MaxRetries,
		Strategies:      []string{string(limiter.TokenBucket), string(limiter.LeakyBucket)},
		Outcomes:        dashboardOutcomes,
	}

	paths := make([]string, 0, len(cfg.Routes))
	for path := range cfg.Routes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		rp := cfg.Routes[path]
		route := dashboardRoute{Path: path, Capacity: "off", Rate: "off"}
		if rp.IsEnabled() {
			policy := cfg.Policy(path)
			route.Capacity = strconv.FormatFloat(policy.Capacity, 'g', -1, 64)
			route.Rate = strconv.FormatFloat(policy.Rate, 'g', -1, 64) + "/s"
		}
		view.Routes = append(view.Routes, route)
	}
	return view
}

// dashboardHandler renders the configured policy once and leaves the
// counters to the page, which polls /stats.
func dashboardHandler(cfg *config.Config) (http.HandlerFunc, error) {
	var buf bytes.Buffer
	if err := dashboardTemplate.Execute(&buf, newDashboardView(cfg)); err != nil {
		return nil, fmt.Errorf("render dashboard: %w", err)
	}
	page := buf.Bytes()

	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(page)
	}, nil
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>ratefence</title>
<style>
body { font: 14px/1.4 ui-monospace, Menlo, Consolas, monospace; margin: 2em; color: #222; }
h1 { font-size: 1.3em; margin: 0 0 .2em; }
h2 { font-size: 1em; margin: 1.6em 0 .4em; text-transform: uppercase; color: #666; }
table { border-collapse: collapse; }
th, td { border-bottom: 1px solid #ddd; padding: .3em 1em .3em 0; text-align: right; }
th:first-child, td:first-child { text-align: left; }
dl { display: grid; grid-template-columns: max-content auto; gap: .2em 1.5em; margin: 0; }
dt { color: #666; }
dd { margin: 0; }
.policy-fail-closed { color: #b00; }
.policy-fail-open { color: #b60; }
#status { color: #888; }
</style>
</head>
<body>
<h1>ratefence</h1>
<div id="status">waiting for /stats</div>

<h2>Policy</h2>
<dl>
<dt>backend</dt><dd>{{.Backend}}</dd>
<dt>failure policy</dt><dd class="policy-{{.FailurePolicy}}">{{.FailurePolicy}}</dd>
<dt>default strategy</dt><dd>{{.DefaultStrategy}}</dd>
<dt>capacity</dt><dd>{{.Capacity}}</dd>
<dt>rate</dt><dd>{{.Rate}}/s</dd>
<dt>max retries</dt><dd>{{.MaxRetries}}</dd>
</dl>
{{if .Routes}}
<h2>Routes</h2>
<table>
<tr><th>path</th><th>capacity</th><th>rate</th></tr>
{{range .Routes}}<tr><td>{{.Path}}</td><td>{{.Capacity}}</td><td>{{.Rate}}</td></tr>
{{end}}</table>
{{end}}
<h2>Decisions</h2>
<table id="decisions">
<tr><th>strategy</th>{{range .Outcomes}}<th>{{.}}</th>{{end}}</tr>
{{range $s := .Strategies}}<tr data-strategy="{{$s}}"><td>{{$s}}</td>{{range $.Outcomes}}<td data-outcome="{{.}}">0</td>{{end}}</tr>
{{end}}</table>

<h2>Totals</h2>
<dl>
<dt>requests</dt><dd id="total_requests">0</dd>
<dt>allowed</dt><dd id="allowed_requests">0</dd>
<dt>blocked</dt><dd id="blocked_requests">0</dd>
<dt>cas retries</dt><dd id="cas_retries">0</dd>
<dt>storage errors</dt><dd id="storage_errors">0</dd>
<dt>clients</dt><dd id="unique_clients">0</dd>
</dl>

<h2>Top clients</h2>
<table id="clients">
<tr><th>client</th><th>total</th><th>allowed</th><th>blocked</th></tr>
</table>

<script>
const totals = ["total_requests", "allowed_requests", "blocked_requests", "cas_retries", "storage_errors", "unique_clients"];

function render(s) {
  totals.forEach(k => { document.getElementById(k).textContent = s[k] || 0; });

  document.querySelectorAll("#decisions tr[data-strategy]").forEach(row => {
    const counts = (s.decisions || {})[row.dataset.strategy] || {};
    row.querySelectorAll("td[data-outcome]").forEach(cell => {
      cell.textContent = counts[cell.dataset.outcome] || 0;
    });
  });

  const table = document.getElementById("clients");
  while (table.rows.length > 1) table.deleteRow(1);
  (s.top_clients || []).forEach(c => {
    const row = table.insertRow();
    [c.client_id, c.total_requests, c.allowed_requests, c.blocked_requests].forEach(v => {
      row.insertCell().textContent = v;
    });
  });

  document.getElementById("status").textContent = "up " + s.uptime_seconds + "s";
}

async function poll() {
  try {
    const resp = await fetch("/stats");
    render(await resp.json());
  } catch (err) {
    document.getElementById("status").textContent = "stats unavailable: " + err;
  }
}

poll();
setInterval(poll, 2000);
</script>
</body>
</html>
`))
