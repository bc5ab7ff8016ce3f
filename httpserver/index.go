package httpserver

import "net/http"

const indexHTML = `<!DOCTYPE html>
<html>
<head><title>Zap Tunnel</title></head>
<body>
<h1>Zap Tunnel</h1>
<p>A custodial-minimizing lightning-address proxy. Point a wallet at
<code>&lt;username&gt;@this-host</code> to pay one of this proxy's users.</p>
</body>
</html>
`

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(indexHTML))
}
