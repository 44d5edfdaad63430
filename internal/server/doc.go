// Package server is the relay's network edge.
//
// A Hub owns every WebSocket connection and runs the session state machine
// (unauthenticated, authenticated, closed) on a single event loop. Each
// Client has a read pump feeding the hub and a write pump draining its
// bounded send queue. Server wraps the hub with the HTTP API for presence,
// groups, history and file transfer.
package server
