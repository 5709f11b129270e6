// Package server hosts the gateway's Fiber application: the request context
// middleware (request IDs and client address), the /proxy-health fast path,
// token-bucket admission, and the catch-all route that classifies each path
// and hands it to a ProxyHandler. Diagnostics endpoints live in the routes
// subpackage and are mounted by the caller. Keep exports narrow and accept
// explicit dependencies so tests can inject fakes.
package server
