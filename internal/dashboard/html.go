package dashboard

// dashboardHTML is the embedded single-page UI. It polls the REST API
// every five seconds and applies websocket pushes in between. Pending
// confirmations can be answered from the page.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>PAI Dashboard</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; margin-bottom: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; vertical-align: top; }
  code { font-family: monospace; font-size: 12px; }
  .decision-block { color: #f85149; font-weight: bold; }
  .decision-info { color: #58a6ff; }
  .ask { color: #d29922; }
  #prompts .prompt { border: 1px solid #d29922; border-radius: 6px; padding: 12px; margin-bottom: 8px; }
  #prompts pre { white-space: pre-wrap; font-size: 13px; margin: 8px 0; }
  #live-feed { max-height: 320px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
  .btn { background: #21262d; border: 1px solid #30363d; color: #e1e4e8;
         padding: 4px 12px; border-radius: 4px; cursor: pointer; font-size: 12px; margin-right: 6px; }
  .btn:hover { background: #30363d; }
  .btn-danger { border-color: #f85149; color: #f85149; }
  .btn-success { border-color: #3fb950; color: #3fb950; }
</style>
</head>
<body>
<h1>🛡️ PAI Dashboard</h1>
<p class="subtitle">Damage control and personal AI infrastructure</p>

<div class="card">
  <h2>Pending confirmations</h2>
  <div id="prompts">None</div>
</div>

<div class="grid">
  <div class="card">
    <h2>Workspaces</h2>
    <table>
      <thead><tr><th>Directory</th><th>Rules</th><th>Calls</th><th>Blocked</th><th>Confirmed</th><th>Denied</th></tr></thead>
      <tbody id="workspaces-tbody"><tr><td colspan="6">Loading...</td></tr></tbody>
    </table>
  </div>
  <div class="card">
    <h2>PAI</h2>
    <div id="pai">Loading...</div>
  </div>
</div>

<div class="card">
  <h2>Rules <button class="btn" onclick="reloadRules()">Reload</button></h2>
  <table>
    <thead><tr><th>Pattern</th><th>Reason</th><th>Mode</th></tr></thead>
    <tbody id="rules-tbody"><tr><td colspan="3">Loading...</td></tr></tbody>
  </table>
</div>

<div class="card">
  <h2>Session log</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
async function refresh() {
  try {
    const [wsRes, rulesRes, auditRes, promptsRes, paiRes] = await Promise.all([
      fetch('/api/workspaces'), fetch('/api/rules'), fetch('/api/audit?limit=30'),
      fetch('/api/prompts'), fetch('/api/pai')
    ]);
    renderWorkspaces(await wsRes.json());
    renderRules(await rulesRes.json());
    renderAudit(await auditRes.json());
    renderPrompts(await promptsRes.json());
    renderPai(await paiRes.json());
  } catch(e) { console.error('refresh failed:', e); }
}

function renderWorkspaces(list) {
  const tbody = document.getElementById('workspaces-tbody');
  if (!list || list.length === 0) { tbody.innerHTML = '<tr><td colspan="6">No tool calls yet</td></tr>'; return; }
  tbody.innerHTML = list.map(w =>
    '<tr><td><code>' + esc(w.cwd) + '</code></td><td>' + esc(w.rule_source || 'none') +
    '</td><td>' + (w.stats?.tool_calls||0) + '</td><td>' + (w.stats?.blocked||0) +
    '</td><td>' + (w.stats?.confirmed||0) + '</td><td>' + (w.stats?.denied||0) + '</td></tr>'
  ).join('');
}

function renderRules(sets) {
  const tbody = document.getElementById('rules-tbody');
  if (!sets || sets.length === 0) { tbody.innerHTML = '<tr><td colspan="3">No workspaces loaded</td></tr>'; return; }
  let rows = '';
  sets.forEach(s => {
    rows += '<tr><th colspan="3"><code>' + esc(s.cwd) + '</code> ← ' + esc(s.source || 'no patterns') + '</th></tr>';
    (s.commands||[]).forEach(c => {
      rows += '<tr><td><code>' + esc(c.pattern) + '</code></td><td>' + esc(c.reason) + '</td><td>' +
        (c.ask ? '<span class="ask">ask</span>' : '<span class="decision-block">block</span>') + '</td></tr>';
    });
    (s.zero_access||[]).forEach(p => { rows += '<tr><td><code>' + esc(p) + '</code></td><td>zero access</td><td><span class="decision-block">block</span></td></tr>'; });
    (s.read_only||[]).forEach(p => { rows += '<tr><td><code>' + esc(p) + '</code></td><td>read only</td><td><span class="decision-block">block writes</span></td></tr>'; });
  });
  tbody.innerHTML = rows;
}

function feedLine(e) {
  const cls = e.decision === 'block' ? 'decision-block' : 'decision-info';
  return '[' + esc(e.ts) + '] #' + esc(e.seq) + ' ' + esc(e.kind) +
    (e.tool ? ' tool=' + esc(e.tool) : '') + ' <span class="' + cls + '">' + esc(e.decision) + '</span>' +
    (e.target ? ' <code>' + esc(e.target) + '</code>' : '') + (e.rule ? ' rule=' + esc(e.rule) : '');
}

function renderAudit(entries) {
  const feed = document.getElementById('live-feed');
  if (!entries || entries.length === 0) { feed.innerHTML = '<div class="feed-entry">No entries yet</div>'; return; }
  feed.innerHTML = entries.map(e => '<div class="feed-entry">' + feedLine(e) + '</div>').join('');
}

function renderPrompts(prompts) {
  const el = document.getElementById('prompts');
  if (!prompts || prompts.length === 0) { el.innerHTML = 'None'; return; }
  el.innerHTML = prompts.map(p => {
    const id = esc(p.id);
    return '<div class="prompt"><strong>' + esc(p.title) + '</strong><pre>' + esc(p.message) + '</pre>' +
      '<button class="btn btn-success" onclick="answer(\'' + id + '\', true)">Allow</button>' +
      '<button class="btn btn-danger" onclick="answer(\'' + id + '\', false)">Deny</button></div>';
  }).join('');
}

function renderPai(s) {
  const el = document.getElementById('pai');
  let html = '<p><strong>Mission:</strong> ' + esc(s.mission || 'Not set') + '</p>';
  html += '<p><strong>Goals:</strong> ' + (s.goals||[]).map(g => esc(g.id) + ' ' + esc(g.title) + ' (' + esc(g.status) + ')').join(', ') + '</p>';
  html += '<p><strong>Iterations:</strong> ' + esc(s.iterations) + ' · <strong>Signals:</strong> ' + esc(s.signals) + '</p>';
  if (s.innerLoop) html += '<p><strong>Loop:</strong> ' + esc(s.innerLoop.phase) + ' → ' + esc(s.innerLoop.goal) + '</p>';
  if (s.ralph && s.ralph.active) html += '<p><strong>Ralph:</strong> #' + esc(s.ralph.iteration) + ' ' + esc(s.ralph.task) + '</p>';
  el.innerHTML = html;
}

let socket = null;
async function answer(id, allow) {
  if (socket && socket.readyState === WebSocket.OPEN) {
    socket.send(JSON.stringify({type: 'confirm', data: {id: id, allow: allow}}));
  } else {
    await fetch('/api/confirm', { method: 'POST', headers: {'Content-Type':'application/json'},
      body: JSON.stringify({id: id, allow: allow}) });
  }
  setTimeout(refresh, 200);
}

async function reloadRules() {
  await fetch('/api/rules/reload', { method: 'POST' });
  refresh();
}

function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  socket = new WebSocket(proto + '//' + location.host + '/dashboard/ws');
  socket.onmessage = function(ev) {
    try {
      const msg = JSON.parse(ev.data);
      if (msg.type === 'audit') {
        const feed = document.getElementById('live-feed');
        const div = document.createElement('div');
        div.className = 'feed-entry';
        div.innerHTML = feedLine(msg.data);
        feed.insertBefore(div, feed.firstChild);
        while (feed.children.length > 100) feed.removeChild(feed.lastChild);
      } else if (msg.type === 'prompt' || msg.type === 'prompt_resolved') {
        fetch('/api/prompts').then(r => r.json()).then(renderPrompts);
      }
    } catch(err) { console.error('ws parse error:', err); }
  };
  socket.onclose = function() { setTimeout(connectWS, 3000); };
  socket.onerror = function() { socket.close(); };
}

refresh();
setInterval(refresh, 5000);
connectWS();
</script>
</body>
</html>`
