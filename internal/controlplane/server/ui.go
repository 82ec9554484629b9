package server

import (
	"net/http"
)

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(uiHTML))
}

const uiHTML = `<!doctype html>
<html>
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>botkeeper</title>
  <style>
    body { font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Arial; margin: 0; }
    .wrap { display: grid; grid-template-columns: 420px 1fr; height: 100vh; }
    .left { border-right: 1px solid #eee; padding: 12px; overflow:auto; }
    .right { padding: 12px; overflow:auto; }
    table { border-collapse: collapse; width: 100%; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #eee; font-size: 14px; }
    .running { color: #0a7d32; font-weight: 600; }
    .stopped { color: #999; }
    pre { background:#0b1020; color:#d6e2ff; padding:12px; border-radius:8px; overflow:auto; min-height: 220px; font-size: 12px; }
    button { margin-right: 6px; }
    .row { display:flex; gap: 8px; align-items:center; flex-wrap: wrap; }
    .muted { color:#666; font-size: 12px; }
  </style>
</head>
<body>
<div class="wrap">
  <div class="left">
    <div class="row">
      <h3 style="margin:0">Bots</h3>
      <button onclick="startAll()">start all</button>
      <button onclick="stopAll()">stop all</button>
    </div>
    <div id="summary" class="muted"></div>
    <table>
      <thead><tr><th>kind</th><th>status</th><th>pid</th><th>uptime</th><th></th></tr></thead>
      <tbody id="bots"></tbody>
    </table>
  </div>
  <div class="right">
    <h3 style="margin-top:0">Logs <span id="logKind" class="muted"></span></h3>
    <pre id="logs">select a bot to stream its log</pre>
  </div>
</div>

<script>
const token = new URLSearchParams(location.search).get('api_token') || '';
let logES = null;

async function api(path, opts) {
  const headers = {'Content-Type':'application/json'};
  if (token) headers['X-API-Token'] = token;
  const res = await fetch(path, Object.assign({headers}, opts||{}));
  const data = await res.json().catch(()=> ({}));
  if (!res.ok) throw new Error(data.error || ('HTTP '+res.status));
  return data;
}

function escapeHTML(s){ return (s||'').replaceAll('&','&amp;').replaceAll('<','&lt;').replaceAll('>','&gt;'); }

function render(report) {
  const sum = report.summary || {};
  document.getElementById('summary').textContent =
    'total '+(sum.total||0)+' / active '+(sum.active||0)+' / inactive '+(sum.inactive||0);
  const tbody = document.getElementById('bots');
  tbody.innerHTML = '';
  (report.bots||[]).forEach(b => {
    const tr = document.createElement('tr');
    tr.innerHTML =
      '<td><b>'+escapeHTML(b.kind)+'</b></td>'+
      '<td class="'+escapeHTML(b.status)+'">'+escapeHTML(b.status)+'</td>'+
      '<td>'+(b.pid||'')+'</td>'+
      '<td>'+escapeHTML(b.uptime||'')+'</td>'+
      '<td><button onclick="op(\''+b.kind+'\',\'start\')">start</button>'+
      '<button onclick="op(\''+b.kind+'\',\'stop\')">stop</button>'+
      '<button onclick="op(\''+b.kind+'\',\'restart\')">restart</button>'+
      '<button onclick="streamLogs(\''+b.kind+'\')">logs</button></td>';
    tbody.appendChild(tr);
  });
}

async function refresh() {
  try { render(await api('/api/bots/')); } catch (e) { /* keep the last view */ }
}

async function op(kind, action) {
  try { await api('/api/bots/'+kind+'/'+action, {method:'POST'}); }
  catch (e) { alert(action+' '+kind+' failed: '+e.message); }
  refresh();
}

async function startAll() {
  try { await api('/api/bots/start_all', {method:'POST'}); } catch (e) { alert(e.message); }
  refresh();
}
async function stopAll() {
  try { await api('/api/bots/stop_all', {method:'POST'}); } catch (e) { alert(e.message); }
  refresh();
}

function streamLogs(kind) {
  if (logES) { logES.close(); logES = null; }
  document.getElementById('logKind').textContent = kind;
  const pre = document.getElementById('logs');
  pre.textContent = '';
  const qs = token ? '?api_token='+encodeURIComponent(token) : '';
  logES = new EventSource('/api/bots/'+kind+'/logs/stream'+qs);
  logES.onmessage = (ev) => {
    pre.textContent += ev.data + '\n';
    pre.scrollTop = pre.scrollHeight;
  };
  logES.onerror = () => { /* EventSource retries on its own */ };
}

function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss' : 'ws';
  const qs = token ? '?api_token='+encodeURIComponent(token) : '';
  const ws = new WebSocket(proto+'://'+location.host+'/api/status/ws'+qs);
  ws.onmessage = (ev) => { try { render(JSON.parse(ev.data)); } catch (e) {} };
  ws.onclose = () => setTimeout(connectWS, 3000);
}

refresh();
connectWS();
</script>
</body>
</html>
`
