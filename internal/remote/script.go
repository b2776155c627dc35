package remote

// WorkerScript is the stdlib-only script uploaded to remote hosts. It serves
// the worker HTTP API with bearer auth, announces itself with the
// DAEMON_STARTED line, and exits after the idle timeout.
//
// Usage: python3 worker.py <port> <token> <idle_timeout_seconds>
// Port 0 binds an ephemeral port.
const WorkerScript = `#!/usr/bin/env python3
import json, os, subprocess, sys, threading, time
from http.server import BaseHTTPRequestHandler, ThreadingHTTPServer

PORT = int(sys.argv[1]) if len(sys.argv) > 1 else 0
TOKEN = sys.argv[2] if len(sys.argv) > 2 else ""
IDLE = int(sys.argv[3]) if len(sys.argv) > 3 else 1800

START = time.time()
LAST = [time.time()]

class Handler(BaseHTTPRequestHandler):
    def log_message(self, *args):
        pass

    def _auth(self):
        return self.headers.get("Authorization", "") == "Bearer " + TOKEN

    def _send(self, code, obj):
        body = json.dumps(obj).encode()
        self.send_response(code)
        self.send_header("Content-Type", "application/json")
        self.send_header("Content-Length", str(len(body)))
        self.end_headers()
        self.wfile.write(body)

    def _body(self):
        n = int(self.headers.get("Content-Length", 0))
        return json.loads(self.rfile.read(n) or b"{}")

    def do_GET(self):
        if not self._auth():
            return self._send(401, {"error": "unauthorized"})
        LAST[0] = time.time()
        if self.path == "/health":
            return self._send(200, {"status": "ok", "pid": os.getpid(),
                                    "uptime": time.time() - START})
        self._send(404, {"error": "not found"})

    def do_POST(self):
        if not self._auth():
            return self._send(401, {"error": "unauthorized"})
        LAST[0] = time.time()
        try:
            req = self._body()
        except Exception as e:
            return self._send(400, {"error": str(e)})
        if self.path == "/exec":
            try:
                p = subprocess.run(req["command"], shell=True,
                                   cwd=req.get("cwd") or None,
                                   env={**os.environ, **req.get("env", {})},
                                   capture_output=True, text=True,
                                   timeout=req.get("timeout") or 120)
                return self._send(200, {"stdout": p.stdout, "stderr": p.stderr,
                                        "exitCode": p.returncode})
            except subprocess.TimeoutExpired:
                return self._send(200, {"stdout": "", "stderr": "command timed out",
                                        "exitCode": -1})
            except Exception as e:
                return self._send(500, {"error": str(e)})
        if self.path == "/file/read":
            try:
                with open(req["path"], "r") as f:
                    return self._send(200, {"content": f.read()})
            except Exception as e:
                return self._send(404, {"error": str(e)})
        if self.path == "/file/write":
            try:
                with open(req["path"], "w") as f:
                    f.write(req.get("content", ""))
                return self._send(200, {"success": True})
            except Exception as e:
                return self._send(500, {"error": str(e)})
        if self.path == "/shutdown":
            self._send(200, {"message": "shutting down"})
            threading.Timer(0.05, lambda: os._exit(0)).start()
            return
        self._send(404, {"error": "not found"})

def idle_watch():
    while True:
        time.sleep(5)
        if time.time() - LAST[0] > IDLE:
            os._exit(0)

server = ThreadingHTTPServer(("0.0.0.0", PORT), Handler)
threading.Thread(target=idle_watch, daemon=True).start()
print("DAEMON_STARTED:" + json.dumps(
    {"port": server.server_address[1], "token": TOKEN, "pid": os.getpid()}),
    flush=True)
server.serve_forever()
`
