package setup

// htmlPage is served for "/", the captive probe and every unknown path.
const htmlPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Device Setup</title>
<style>
  :root { --bg: #e3e1db; --card: rgba(240,239,237,0.9); --text: #1d1d1f; --sub: #555; --accent: #ffc233; }
  * { box-sizing: border-box; margin: 0; padding: 0; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: var(--bg); color: var(--text); min-height: 100vh; display: flex; justify-content: center; }
  main { width: 100%; max-width: 460px; padding: 32px 20px; }
  h1 { font-size: 1.8rem; margin-bottom: 6px; }
  p.sub { color: var(--sub); margin-bottom: 24px; }
  .card { background: var(--card); border-radius: 16px; padding: 20px; margin-bottom: 16px; }
  ul { list-style: none; max-height: 280px; overflow-y: auto; }
  li { display: flex; justify-content: space-between; padding: 12px; border-radius: 10px; cursor: pointer; }
  li:hover { background: #fff; }
  li small { color: #777; }
  label { display: block; font-size: 14px; color: var(--sub); margin: 10px 0 4px; }
  input { width: 100%; padding: 12px; border: 1px solid #ccc; border-radius: 10px; font-size: 16px; }
  button { width: 100%; margin-top: 16px; padding: 14px; border: none; border-radius: 999px;
           background: var(--accent); font-size: 16px; font-weight: 600; cursor: pointer; }
  button.ghost { background: transparent; border: 1px solid #888; margin-top: 8px; }
  #result { margin-top: 12px; text-align: center; }
</style>
</head>
<body>
<main>
  <h1>Connect to WiFi</h1>
  <p class="sub">Pick the network this device should join.</p>

  <div class="card">
    <ul id="list"><li><small>Loading networks...</small></li></ul>
    <button class="ghost" type="button" onclick="scan()">Refresh</button>
  </div>

  <form class="card" id="settings" method="post" action="/settings">
    <label for="ssid">Network name</label>
    <input id="ssid" name="ssid" maxlength="32" required>
    <label for="password">Password</label>
    <input id="password" name="password" type="password" maxlength="64">
    <button type="submit">Save</button>
    <div id="result"></div>
  </form>
</main>
<script>
  const el = (id) => document.getElementById(id);

  async function scan() {
    const list = el('list');
    try {
      const res = await fetch('/scan');
      if (!res.ok) throw new Error(res.status);
      const nets = await res.json();
      list.innerHTML = '';
      if (nets.length === 0) {
        list.innerHTML = '<li><small>No networks found yet</small></li>';
      }
      nets.forEach(n => {
        const li = document.createElement('li');
        const name = document.createElement('strong');
        name.textContent = n.ssid;
        const meta = document.createElement('small');
        meta.textContent = n.authmode + ' · ' + n.rssi + ' dBm';
        li.append(name, meta);
        li.onclick = () => { el('ssid').value = n.ssid; el('password').focus(); };
        list.appendChild(li);
      });
    } catch (e) {
      list.innerHTML = '<li><small>Scan unavailable</small></li>';
    }
  }

  el('settings').addEventListener('submit', async (ev) => {
    ev.preventDefault();
    const body = new URLSearchParams(new FormData(ev.target));
    const res = await fetch('/settings', { method: 'POST', body });
    el('result').textContent = await res.text();
  });

  scan();
</script>
</body>
</html>
`
