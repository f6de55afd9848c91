package main

import "html/template"

var indexTmpl = template.Must(template.New("roomchat").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Roomchat — {{.Name}}</title>
  <style>
    :root{
      --bg: #0d1117;
      --panel: #111827;
      --border: #1f2937;
      --fg: #e5e7eb;
      --muted: #9ca3af;
      --accent: #22c55e;
    }
    *{ box-sizing: border-box }
    body { margin:0; padding:24px; background:var(--bg); color:var(--fg); font-family: ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Helvetica, Arial }
    .wrap { max-width: 1080px; margin: 0 auto; display:flex; gap:16px }
    .side { width: 220px; flex: 0 0 auto }
    .main { flex: 1 1 auto; min-width: 0 }
    h1 { margin:0 0 12px 0; font-weight:700; font-size:20px }
    .panel { border:1px solid var(--border); border-radius:10px; background:var(--panel); overflow:hidden }
    .panelbar { display:flex; align-items:center; justify-content:space-between; padding:10px 12px; border-bottom:1px solid var(--border); font-family: ui-monospace, SFMono-Regular, Menlo, Consolas, monospace; font-size:14px }
    .rooms { list-style:none; margin:0; padding:8px }
    .rooms li { margin:4px 0 }
    .rooms button { width:100%; text-align:left; background:transparent; border:1px solid var(--border); color:var(--fg); padding:6px 10px; border-radius:6px; font-size:13px; cursor:pointer }
    .rooms button.active { border-color: var(--accent); color: var(--accent) }
    .nick input{ background:transparent; border:1px solid var(--border); color:var(--fg); padding:6px 8px; border-radius:6px; font-size:13px; width:130px }
    .screen { height:440px; overflow:auto; padding:14px; font-family: ui-monospace, SFMono-Regular, Menlo, Consolas, monospace; font-size:14px; line-height:1.5 }
    .line { white-space: pre-wrap; word-break: break-word }
    .ts { color:var(--muted) }
    .usr { color:#60a5fa }
    .sys { color:var(--muted); font-style: italic }
    .promptline { display:flex; align-items:center; gap:8px; padding:12px 14px; border-top:1px solid var(--border); font-family: ui-monospace, SFMono-Regular, Menlo, Consolas, monospace }
    #cmd { flex:1 1 auto; min-width:0; background:transparent; border:none; outline:none; color:var(--fg); font-size:14px; caret-color: var(--accent) }
    .pill { display:inline-block; border:1px solid var(--border); padding:2px 10px; border-radius:999px; font-size:12px; opacity:.9 }
    .export { background:transparent; border:1px solid var(--border); color:var(--fg); padding:4px 10px; border-radius:6px; font-size:12px; cursor:pointer }
    small{ color:var(--muted); display:block; margin-top:10px }
  </style>
</head>
<body>
  <div class="wrap">
    <div class="side">
      <h1>{{.Name}}</h1>
      <div class="panel">
        <div class="panelbar">rooms</div>
        <ul id="rooms" class="rooms"></ul>
      </div>
      <small>Pick a room to join. History loads automatically.</small>
    </div>
    <div class="main">
      <div class="panel">
        <div class="panelbar">
          <span id="room-chip">#lobby</span>
          <span class="nick">
            <input id="user" type="text" placeholder="anon" />
          </span>
          <span>
            <span class="pill"><span id="online">0</span> online</span>
            <button id="export" class="export" title="download room history">export</button>
          </span>
        </div>
        <div id="log" class="screen"></div>
        <div class="promptline">
          <span style="color:var(--accent)">&gt;</span>
          <input id="cmd" type="text" autocomplete="off" spellcheck="false" placeholder="type a message and press Enter" enterkeyhint="send" />
        </div>
      </div>
      <small>Tip: Enter to send • Nickname persists locally • Rejoin after renaming to update the roster</small>
    </div>
  </div>
  <script>
    const logEl = document.getElementById('log');
    const user = document.getElementById('user');
    const cmd = document.getElementById('cmd');
    const online = document.getElementById('online');
    const roomChip = document.getElementById('room-chip');
    const roomsEl = document.getElementById('rooms');

    let room = localStorage.getItem('room') || 'lobby';
    user.value = localStorage.getItem('nick') || 'anon';

    function esc(s){
      return String(s).replace(/[&<>"]/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;'}[c]));
    }
    function linkify(s){
      return s.replace(/https?:\/\/[^\s)]+/g, u => '<a href="' + u + '" target="_blank" rel="noopener noreferrer">' + u + '</a>');
    }
    function fmtTime(ts){
      return new Date(ts).toLocaleTimeString([], { hour12:false, hour:'2-digit', minute:'2-digit' });
    }
    function append(m){
      const div = document.createElement('div');
      div.className = 'line';
      if (m.user === 'system') {
        div.className = 'line sys';
        div.innerHTML = '<span class="ts">[' + fmtTime(m.ts) + ']</span> ' + esc(m.text);
      } else {
        div.innerHTML = '<span class="ts">[' + fmtTime(m.ts) + ']</span> <span class="usr">' + esc(m.user) + '</span>: ' + linkify(esc(m.text));
      }
      logEl.appendChild(div);
      logEl.scrollTop = logEl.scrollHeight;
    }

    async function loadRooms(){
      try {
        const res = await fetch('api/rooms');
        const names = await res.json();
        roomsEl.innerHTML = '';
        names.forEach(name => {
          const li = document.createElement('li');
          const btn = document.createElement('button');
          btn.textContent = '#' + name;
          if (name === room) btn.className = 'active';
          btn.addEventListener('click', () => join(name));
          li.appendChild(btn);
          roomsEl.appendChild(li);
        });
      } catch(_) {}
    }

    const wsProto = location.protocol === 'https:' ? 'wss' : 'ws';
    const basePath = location.pathname.endsWith('/') ? location.pathname : (location.pathname + '/');
    const ws = new WebSocket(wsProto + '://' + location.host + basePath + 'ws');

    ws.onopen = () => join(room);
    ws.onmessage = (e) => {
      let ev;
      try { ev = JSON.parse(e.data); } catch(_) { return; }
      if (ev.type === 'history') {
        logEl.innerHTML = '';
        (ev.messages || []).forEach(append);
      } else if (ev.type === 'message' && ev.message) {
        append(ev.message);
      } else if (ev.type === 'roster') {
        online.textContent = String((ev.users || []).length);
      }
    };

    function join(name){
      room = name;
      roomChip.textContent = '#' + name;
      localStorage.setItem('room', name);
      localStorage.setItem('nick', user.value);
      ws.send(JSON.stringify({ type:'join', username: user.value, room: name }));
      loadRooms();
    }

    function send(){
      const text = cmd.value.trim();
      if (!text) return;
      ws.send(JSON.stringify({ type:'send', text }));
      cmd.value = '';
    }

    cmd.addEventListener('keydown', e => {
      if (e.isComposing || e.keyCode === 229) return;
      if (e.key === 'Enter') { e.preventDefault(); send(); }
    });
    user.addEventListener('change', () => join(room));
    document.getElementById('export').addEventListener('click', () => {
      const a = document.createElement('a');
      a.href = 'api/export?room=' + encodeURIComponent(room);
      a.download = room + '-history.json';
      document.body.appendChild(a);
      a.click();
      a.remove();
    });

    loadRooms();
    setTimeout(() => cmd.focus(), 0);
  </script>
</body>
</html>`))
