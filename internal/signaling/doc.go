// Package signaling serves the robot and operator WebSocket endpoints.
//
// Each connection gets one reader goroutine, which decodes frames and runs
// their handlers in arrival order, and one writer goroutine draining the
// connection's outbound queue. Robots authenticate with their configured
// strategy, operators with a bearer token; afterwards operators pair with a
// robot through signaling.request_connection and the SDP offer, answer and
// ICE candidates are relayed between the pair unchanged.
package signaling
