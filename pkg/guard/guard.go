// Package guard validates the Host and Origin headers of inbound requests
// against a loopback allow-list. A server bound to localhost is still
// reachable from a hostile web page through a rebound DNS name; rejecting
// non-loopback hosts up front closes that hole. Rejections carry a
// JSON-RPC-shaped error body so protocol clients can surface them.
package guard

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// CodeForbidden is the JSON-RPC error code carried in rejection bodies.
const CodeForbidden = -32000

// Guard validates request boundary headers against an allow-list of hosts.
type Guard struct {
	allowed map[string]struct{}
}

// New builds a guard allowing the loopback forms (localhost, 127.0.0.1 and
// ::1, with or without port) plus any extra hosts the deployment serves.
func New(extraHosts ...string) *Guard {
	g := &Guard{allowed: map[string]struct{}{
		"localhost": {},
		"127.0.0.1": {},
		"::1":       {},
	}}
	for _, h := range extraHosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		g.allowed[hostname(h)] = struct{}{}
	}
	return g
}

// Check validates r's Host header and, when present, its Origin header.
// A nil return means the request may proceed.
func (g *Guard) Check(r *http.Request) error {
	if !g.allowHost(r.Host) {
		return fmt.Errorf("host %q not allowed", r.Host)
	}
	if origin := r.Header.Get("Origin"); origin != "" && !g.allowOrigin(origin) {
		return fmt.Errorf("origin %q not allowed", origin)
	}
	return nil
}

// Wrap returns middleware that enforces the guard before next runs.
// All methods are validated uniformly, including CORS preflights.
func (g *Guard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(r); err != nil {
			WriteForbidden(w, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowHost reports whether a Host header value is on the allow-list,
// ignoring any port.
func (g *Guard) allowHost(hostport string) bool {
	if hostport == "" {
		return false
	}
	_, ok := g.allowed[hostname(hostport)]
	return ok
}

// allowOrigin reports whether an Origin header value names an allowed
// host. Unparseable origins, including the literal "null" sent by
// sandboxed documents, are rejected.
func (g *Guard) allowOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return g.allowHost(u.Host)
}

// hostname strips the port and IPv6 brackets from a host:port form.
// The match is on the exact hostname, so "evil.localhost" and
// "localhost.evil.com" never pass as "localhost".
func hostname(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.ToLower(host)
}

// errorBody is the JSON-RPC-shaped rejection payload. The id is null
// because a boundary rejection is not correlated to any request.
type errorBody struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      any         `json:"id"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a JSON-RPC-shaped error body with the given HTTP
// status and JSON-RPC code.
func WriteError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		JSONRPC: "2.0",
		Error:   errorDetail{Code: code, Message: message},
	})
}

// WriteForbidden writes the 403 rejection used for boundary violations.
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}
