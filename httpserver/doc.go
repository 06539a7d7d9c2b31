// Package httpserver exposes the credential engine to the settings UI:
// get, set, delete, and list operations plus a server-sent-event stream
// for live updates when another device changes a shared credential.
//
// Caller identity arrives in the X-User-ID, X-Tenant-ID, X-Session-ID,
// and X-Device-ID headers, set by the authentication layer in front of
// this service. The server also provides the standard /livez, /readyz,
// and /drain endpoints and a separate Prometheus metrics listener.
package httpserver
