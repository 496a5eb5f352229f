package challenge

// challengeHTMLTemplate is the page served to a client that must pass
// a PoW check. Placeholders: __CHALLENGE__ (timestamp:random_hex),
// __DIFFICULTY__ (leading zero bits required), __NOJS_REDIRECT__ (the
// signed fallback link rendered inside <noscript>).
const challengeHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>Security Check</title>
<style>
* { margin: 0; padding: 0; box-sizing: border-box; }
body { background: #0a0a0a; color: #fff; font-family: -apple-system, system-ui, sans-serif; display: flex; justify-content: center; align-items: center; min-height: 100vh; }
.container { text-align: center; max-width: 400px; padding: 2rem; }
.shield { font-size: 48px; margin-bottom: 1rem; }
h2 { font-size: 1.25rem; margin-bottom: 0.5rem; }
p { color: #888; font-size: 0.9rem; margin-bottom: 1.5rem; }
.spinner { width: 40px; height: 40px; border: 3px solid #333; border-top-color: #3b82f6; border-radius: 50%; animation: spin 0.8s linear infinite; margin: 0 auto 1rem; }
@keyframes spin { to { transform: rotate(360deg); } }
.progress { background: #1a1a1a; border-radius: 4px; height: 4px; overflow: hidden; margin-top: 1rem; }
.progress-bar { background: #3b82f6; height: 100%; width: 0%; transition: width 0.3s; }
#status { color: #666; font-size: 0.8rem; margin-top: 0.5rem; }
noscript { color: #ef4444; }
</style>
</head>
<body>
<div class="container">
<div class="shield">&#x1f6e1;</div>
<h2>Verifying your connection</h2>
<p>This won't take long. Please wait while we verify your browser.</p>
<div class="spinner" id="spinner"></div>
<div class="progress"><div class="progress-bar" id="progress"></div></div>
<div id="status">Initializing...</div>
<noscript><p>Verifying your connection... You will be redirected automatically.</p><meta http-equiv="refresh" content="5;url=__NOJS_REDIRECT__"></noscript>
</div>
<script>
(async function() {
  var hlScore = 0;
  try {
    if (navigator.webdriver) hlScore += 40;
    if (window.chrome && window.chrome.csi) hlScore += 10;
    if (window.__nightmare) hlScore += 40;
    if (document.__selenium_unwrapped || document.__webdriver_evaluate || document.__driver_evaluate) hlScore += 40;
    var isMobile = /Mobi|Android|iPhone|iPad/i.test(navigator.userAgent);
    if (!isMobile && navigator.plugins && navigator.plugins.length === 0) hlScore += 10;
    try {
      var canvas = document.createElement("canvas");
      var gl = canvas.getContext("webgl") || canvas.getContext("experimental-webgl");
      if (gl) {
        var dbg = gl.getExtension("WEBGL_debug_renderer_info");
        if (dbg) {
          var renderer = gl.getParameter(dbg.UNMASKED_RENDERER_WEBGL) || "";
          if (/SwiftShader|LLVMpipe|Mesa/i.test(renderer)) hlScore += 30;
        }
      }
    } catch(e) {}
    if (screen.width === 0 || screen.height === 0) hlScore += 20;
    if (!navigator.language && !navigator.languages) hlScore += 10;
    if (window.callPhantom || window._phantom) hlScore += 40;
  } catch(e) {}
  var challenge = "__CHALLENGE__";
  var difficulty = __DIFFICULTY__;
  var statusEl = document.getElementById("status");
  var progressEl = document.getElementById("progress");
  var maxNonce = 0xFFFFFFFF;
  statusEl.textContent = "Computing proof of work...";
  var encoder = new TextEncoder();
  for (var n = 0; n < maxNonce; n++) {
    var data = encoder.encode(challenge + ":" + n);
    var hash = new Uint8Array(await crypto.subtle.digest("SHA-256", data));
    var zeros = 0;
    for (var i = 0; i < hash.length; i++) {
      if (hash[i] === 0) { zeros += 8; }
      else { for (var b = 7; b >= 0; b--) { if ((hash[i] >> b) & 1) break; zeros++; } break; }
    }
    if (n % 10000 === 0) {
      progressEl.style.width = Math.min(95, (n / (1 << difficulty) * 100)) + "%";
      statusEl.textContent = "Verifying... " + Math.floor(n / 1000) + "k attempts";
      await new Promise(function(r) { setTimeout(r, 0); });
    }
    if (zeros >= difficulty) {
      statusEl.textContent = "Verified! Redirecting...";
      progressEl.style.width = "100%";
      var redirect = window.location.pathname + window.location.search;
      window.location.href = "/__fortress/verify?challenge=" + encodeURIComponent(challenge) + "&nonce=" + n + "&redirect=" + encodeURIComponent(redirect) + "&hl=" + hlScore;
      return;
    }
  }
  statusEl.textContent = "Verification failed. Please refresh the page.";
})();
</script>
</body>
</html>`
