package api

import (
	"net/http"
)

// DashboardHandler serves a self-refreshing HTML view of GET /metrics.
func DashboardHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>redisrate</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #10141c;
            color: #e6e9ef;
            padding: 24px;
        }
        .container { max-width: 1100px; margin: 0 auto; }
        h1 { font-size: 1.8em; margin-bottom: 4px; }
        .sub { color: #8b93a7; margin-bottom: 24px; }
        .grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(160px, 1fr));
            gap: 12px;
            margin-bottom: 24px;
        }
        .card { background: #1a2030; border-radius: 8px; padding: 16px; }
        .label { color: #8b93a7; font-size: 0.8em; text-transform: uppercase; }
        .value { font-size: 1.8em; font-weight: 600; margin-top: 6px; }
        .ok { color: #4ade80; }
        .bad { color: #f87171; }
        .warn { color: #fbbf24; }
        table { width: 100%; border-collapse: collapse; background: #1a2030; border-radius: 8px; }
        th, td { text-align: left; padding: 10px 12px; border-bottom: 1px solid #262e42; }
        th { color: #8b93a7; font-weight: 500; font-size: 0.85em; }
        td.key { font-family: ui-monospace, monospace; }
    </style>
</head>
<body>
<div class="container">
    <h1>redisrate</h1>
    <p class="sub">Up <span id="uptime">0</span>s, refreshing every 2s</p>

    <div class="grid">
        <div class="card"><div class="label">Decisions</div><div class="value" id="total">0</div></div>
        <div class="card"><div class="label">Allowed</div><div class="value ok" id="allowed">0</div></div>
        <div class="card"><div class="label">Limited</div><div class="value bad" id="limited">0</div></div>
        <div class="card"><div class="label">Cache hits</div><div class="value" id="cacheHits">0</div></div>
        <div class="card"><div class="label">Backend errors</div><div class="value warn" id="backendErrors">0</div></div>
        <div class="card"><div class="label">Invalidations</div><div class="value" id="invalidations">0</div></div>
        <div class="card"><div class="label">Keys</div><div class="value" id="keys">0</div></div>
    </div>

    <table>
        <thead>
            <tr><th>Key</th><th>Total</th><th>Allowed</th><th>Limited</th><th>Cached</th><th>Last seen</th></tr>
        </thead>
        <tbody id="topKeys">
            <tr><td colspan="6">Loading...</td></tr>
        </tbody>
    </table>
</div>

<script>
    const fields = {
        total: 'total_requests',
        allowed: 'allowed_requests',
        limited: 'limited_requests',
        cacheHits: 'cache_hits',
        backendErrors: 'backend_errors',
        invalidations: 'invalidations',
        keys: 'unique_keys',
        uptime: 'uptime_seconds',
    };

    function render(data) {
        for (const [id, field] of Object.entries(fields)) {
            document.getElementById(id).textContent = (data[field] || 0).toLocaleString();
        }

        const rows = (data.top_keys || []).map(k => ` + "`" + `
            <tr>
                <td class="key">${k.key}</td>
                <td>${k.total_requests}</td>
                <td class="ok">${k.allowed_requests}</td>
                <td class="bad">${k.limited_requests}</td>
                <td>${k.cache_hits}</td>
                <td>${new Date(k.last_request_at).toLocaleTimeString()}</td>
            </tr>` + "`" + `);
        document.getElementById('topKeys').innerHTML =
            rows.length ? rows.join('') : '<tr><td colspan="6">No decisions yet</td></tr>';
    }

    async function refresh() {
        try {
            const res = await fetch('metrics');
            render(await res.json());
        } catch (err) {
            console.error('metrics fetch failed', err);
        }
    }

    refresh();
    setInterval(refresh, 2000);
</script>
</body>
</html>`
