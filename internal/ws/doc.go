// Package ws implements the session relay.
//
// The package implements:
//   - Relay: registry of session channels; fans each inbound frame out to
//     every other member of the sender's channel
//   - Client: a gorilla/websocket connection registered on the relay
//   - Handler: upgrades HTTP requests on /ws/{session_id} and runs the pumps
//   - Service: owns a relay and its handler for the server binary
//
// Delivery is best effort. The relay keeps no history; a restarted relay has
// no members until clients reconnect.
package ws
