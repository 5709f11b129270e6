// Package upstream talks to the single configured origin. It owns the pooled
// http.Transport, applies nginx-style connect/send/read timeouts, sets the
// forwarding headers, and classifies failures into ErrTimeout and
// ErrConnectionFailed so callers can map them to 504 and 502. Requests are
// never retried. Upgrade requests are tunnelled over a dedicated connection.
package upstream
