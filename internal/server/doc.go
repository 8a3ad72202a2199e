// Package server implements the tuichat chat server.
//
// Each accepted WebSocket connection runs through a one-packet handshake
// and then a chat loop that services three sources: inbound packets, the
// heartbeat ticker and events from the Hub. The implementation is split
// into configuration, hub, registry, session and HTTP routing files.
package server
