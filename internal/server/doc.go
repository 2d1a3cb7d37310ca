// Package server is the transport layer of FlowSync: it upgrades WebSocket
// connections into sessions, routes their frames to rooms, and serves the
// small HTTP surface around them.
//
// The implementation is organized into specialized files for the hub and its
// sessions, the wire protocol, room-scoped collaboration handling, routing,
// and HTTP handlers.
package server
