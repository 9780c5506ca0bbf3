// Package server implements the telescope-facing side of the hub: websocket
// upgrades, the per-connection keepalive and telemetry loop, origin checks and
// the HTTP server helpers shared with the control plane.
//
// Authentication and broadcasting are delegated to package hub; this package
// only owns the transport.
package server
