package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Deeplinks Enrichment</title>
  <style>
    :root {
      --ink: #18212b;
      --paper: #f6f3ec;
      --card: #fffdf8;
      --line: #d9cfbd;
      --accent: #2f8f6b;
      --warn: #d98a2b;
      --danger: #c0453b;
      --muted: #6c7680;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Inter", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 1080px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px 16px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    .sub { color: var(--muted); font-size: 0.9rem; margin-top: 4px; }
    .controls { display: flex; gap: 10px; margin-top: 10px; }
    .controls input { flex: 1; padding: 8px 10px; border-radius: 8px; border: 1px solid var(--line); }
    .controls button { padding: 8px 14px; border-radius: 8px; border: 0; background: var(--accent); color: #fff; cursor: pointer; }
    .grid { display: grid; gap: 14px; grid-template-columns: repeat(auto-fit, minmax(220px, 1fr)); }
    .card h2 { margin: 0 0 8px; font-size: 0.95rem; color: var(--muted); text-transform: uppercase; letter-spacing: 0.05em; }
    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    td { padding: 3px 0; }
    td.v { text-align: right; font-family: "JetBrains Mono", monospace; }
    .status.ok { color: var(--accent); }
    .status.warn { color: var(--warn); }
    .status.err { color: var(--danger); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>Deeplinks Enrichment</h1>
      <div class="sub">backend <span id="backend">-</span> | providers <span id="providers">-</span> | <span id="status" class="status warn">idle</span></div>
      <div class="controls">
        <input id="token" type="password" placeholder="admin token (optional)" />
        <button id="refresh" type="button">Refresh</button>
      </div>
    </div>
    <div class="grid">
      <div class="card"><h2>Coordinator</h2><table id="coordinator"></table></div>
      <div class="card"><h2>Workers</h2><table id="workers"></table></div>
      <div class="card"><h2>Patches</h2><table id="patches"></table></div>
    </div>
  </div>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        refresh: document.getElementById("refresh"),
        status: document.getElementById("status"),
        backend: document.getElementById("backend"),
        providers: document.getElementById("providers"),
        coordinator: document.getElementById("coordinator"),
        workers: document.getElementById("workers"),
        patches: document.getElementById("patches"),
      };

      function setStatus(text, kind) {
        dom.status.textContent = text;
        dom.status.className = "status " + kind;
      }

      function fill(table, rows) {
        table.innerHTML = "";
        rows.forEach(function (row) {
          const tr = document.createElement("tr");
          const k = document.createElement("td");
          const v = document.createElement("td");
          k.textContent = row[0];
          v.className = "v";
          v.textContent = String(row[1]);
          tr.appendChild(k);
          tr.appendChild(v);
          table.appendChild(tr);
        });
      }

      async function refresh() {
        const headers = {};
        const token = dom.token.value.trim();
        if (token) {
          headers["Authorization"] = "Bearer " + token;
        }
        try {
          const res = await fetch("/v1/admin/enrichment", { headers: headers });
          const body = await res.json();
          if (!res.ok) {
            throw new Error(body.message || res.statusText);
          }
          const e = body.engine || {};
          const h = body.hub || {};
          dom.backend.textContent = body.backend || "-";
          dom.providers.textContent = (body.providers || []).join(", ") || "none";
          fill(dom.coordinator, [
            ["calls", e.calls], ["cache hits", e.cacheHits], ["cache misses", e.cacheMisses],
            ["lock contended", e.lockContended], ["lock errors", e.lockErrors], ["skipped", e.skipped],
          ]);
          fill(dom.workers, [
            ["running", e.workersRunning + " / " + e.workersMax], ["queued", e.queued + " / " + e.queueCapacity],
            ["dispatched", e.dispatched], ["rejected", e.dispatchRejected], ["found", e.found],
            ["not found", e.notFound], ["failures", e.workerFailures],
          ]);
          fill(dom.patches, [
            ["published", h.published], ["delivered", h.delivered], ["backlogged", h.backlogged],
            ["replayed", h.replayed], ["dropped", h.dropped], ["expired", h.expired],
            ["subscribers", h.subscribers], ["backlog keys", h.backlogKeys], ["publish failures", e.publishFailures],
          ]);
          setStatus("updated " + new Date().toLocaleTimeString(), "ok");
          window.localStorage.setItem("deeplinks_dashboard_token", token);
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      dom.token.value = window.localStorage.getItem("deeplinks_dashboard_token") || "";
      dom.refresh.addEventListener("click", refresh);
      dom.token.addEventListener("change", refresh);
      setInterval(refresh, 5000);
      refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
