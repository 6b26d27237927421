package main

import (
	"net/http"
)

func dashboardHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Floodgate Dashboard</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: linear-gradient(135deg, #0f766e 0%, #1e3a8a 100%);
            min-height: 100vh;
            padding: 20px;
        }
        .container { max-width: 1200px; margin: 0 auto; }
        .header { text-align: center; color: white; margin-bottom: 30px; }
        .header h1 { font-size: 2.5em; margin-bottom: 10px; }
        .header p { opacity: 0.9; font-size: 1.1em; }
        .stats-grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(220px, 1fr));
            gap: 20px;
            margin-bottom: 30px;
        }
        .stat-card {
            background: white;
            border-radius: 12px;
            padding: 25px;
            box-shadow: 0 4px 6px rgba(0,0,0,0.1);
        }
        .stat-label {
            color: #666;
            font-size: 0.9em;
            text-transform: uppercase;
            letter-spacing: 1px;
            margin-bottom: 10px;
        }
        .stat-value { font-size: 2.5em; font-weight: bold; color: #333; }
        .stat-value.success { color: #10b981; }
        .stat-value.danger { color: #ef4444; }
        .stat-value.info { color: #3b82f6; }
        .stat-value.warning { color: #f59e0b; }
        .stat-sublabel { margin-top: 8px; font-size: 0.9em; color: #666; }
        .table-card {
            background: white;
            border-radius: 12px;
            padding: 25px;
            box-shadow: 0 4px 6px rgba(0,0,0,0.1);
        }
        .table-card h2 { margin-bottom: 20px; color: #333; }
        table { width: 100%; border-collapse: collapse; }
        th {
            text-align: left;
            padding: 12px;
            background: #f3f4f6;
            color: #666;
            font-weight: 600;
            text-transform: uppercase;
            font-size: 0.85em;
        }
        td { padding: 12px; border-bottom: 1px solid #e5e7eb; }
        tr:last-child td { border-bottom: none; }
        .badge {
            display: inline-block;
            padding: 4px 12px;
            border-radius: 12px;
            font-size: 0.85em;
            font-weight: 600;
        }
        .badge.success { background: #d1fae5; color: #065f46; }
        .badge.danger { background: #fee2e2; color: #991b1b; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Floodgate</h1>
            <p>Admission Control Dashboard</p>
        </div>

        <div class="stats-grid">
            <div class="stat-card">
                <div class="stat-label">Total Requests</div>
                <div class="stat-value info" id="totalRequests">0</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Allowed</div>
                <div class="stat-value success" id="allowedRequests">0</div>
                <div class="stat-sublabel" id="allowRate">0% allowed</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Denied</div>
                <div class="stat-value danger" id="deniedRequests">0</div>
                <div class="stat-sublabel" id="denyRate">0% denied</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Store Errors</div>
                <div class="stat-value warning" id="storeErrors">0</div>
                <div class="stat-sublabel" id="failOpen">0 failed open</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Unique Clients</div>
                <div class="stat-value warning" id="uniqueClients">0</div>
            </div>
        </div>

        <div class="table-card">
            <h2>Top Clients</h2>
            <table>
                <thead>
                    <tr>
                        <th>Client</th>
                        <th>Total</th>
                        <th>Allowed</th>
                        <th>Denied</th>
                        <th>Deny Rate</th>
                        <th>Last Seen</th>
                    </tr>
                </thead>
                <tbody id="topClientsTable">
                    <tr><td colspan="6" style="text-align:center;color:#999;">Loading...</td></tr>
                </tbody>
            </table>
        </div>
    </div>

    <script>
        async function fetchMetrics() {
            try {
                const response = await fetch('/api/v1/metrics');
                updateDashboard(await response.json());
            } catch (error) {
                console.error('failed to fetch metrics:', error);
            }
        }

        function pct(part, total) {
            return total > 0 ? ((part / total) * 100).toFixed(1) : '0';
        }

        function updateDashboard(data) {
            document.getElementById('totalRequests').textContent = data.total_requests.toLocaleString();
            document.getElementById('allowedRequests').textContent = data.allowed_requests.toLocaleString();
            document.getElementById('deniedRequests').textContent = data.denied_requests.toLocaleString();
            document.getElementById('storeErrors').textContent = data.store_errors.toLocaleString();
            document.getElementById('uniqueClients').textContent = data.unique_clients.toLocaleString();

            document.getElementById('allowRate').textContent =
                pct(data.allowed_requests, data.total_requests) + '% allowed';
            document.getElementById('denyRate').textContent =
                pct(data.denied_requests, data.total_requests) + '% denied';
            document.getElementById('failOpen').textContent =
                data.fail_open_allows.toLocaleString() + ' failed open';

            const tbody = document.getElementById('topClientsTable');
            if (data.top_clients && data.top_clients.length > 0) {
                tbody.innerHTML = data.top_clients.map(client => ` + "`" + `
                    <tr>
                        <td><strong>${client.client_id}</strong></td>
                        <td>${client.total_requests.toLocaleString()}</td>
                        <td><span class="badge success">${client.allowed_requests}</span></td>
                        <td><span class="badge danger">${client.denied_requests}</span></td>
                        <td>${pct(client.denied_requests, client.total_requests)}%</td>
                        <td>${new Date(client.last_request_at).toLocaleTimeString()}</td>
                    </tr>
                ` + "`" + `).join('');
            } else {
                tbody.innerHTML = '<tr><td colspan="6" style="text-align:center;color:#999;">No requests yet</td></tr>';
            }
        }

        fetchMetrics();
        setInterval(fetchMetrics, 2000);
    </script>
</body>
</html>`
