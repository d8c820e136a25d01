// Package server exposes a session.Service over HTTP.
//
// The router is chi with CORS, request IDs and panic recovery. Responses are
// JSON. Errors use a common envelope:
//
//	{"error": {"code": "NOT_FOUND", "message": "message not found"}}
//
// # Endpoints
//
//	POST /session/{sessionID}/message                      run one turn, respond with {info, parts}
//	GET  /session/{sessionID}/message                      list stored messages
//	GET  /session/{sessionID}/message/{messageID}          one message with its parts
//	POST /session/{sessionID}/abort                        interrupt the running turn
//	GET  /session/{sessionID}/status                       busy or idle
//	GET  /session/{sessionID}/permissions                  pending approvals of the session
//	POST /session/{sessionID}/permissions/{permissionID}   answer with {"response": "once"|"always"|"reject"}
//	GET  /permissions                                      pending approvals of every session
//	GET  /event                                            SSE stream, optionally ?sessionID=
//	GET  /model                                            models offered by the backend
//	GET  /auth                                             account state
//	POST /auth/login                                       start a login
//	POST /auth/login/{loginID}/cancel                      cancel a started login
//	POST /auth/logout                                      clear credentials
//
// POST /session/{sessionID}/message blocks until the turn ends. A client that
// disconnects interrupts the turn.
//
// # Event Streaming
//
// /event subscribes to the bus through an ordered feed. Each frame is
//
//	event: message
//	data: {"type": "message.part.updated", "properties": {...}}
//
// The first frame is server.connected and a heartbeat comment is written
// every 30 seconds. With a sessionID filter, events of other sessions are
// dropped; process-wide events such as codex.exited are always sent. Part
// updates arrive in publish order, so deltas can be applied as they come. A
// client that falls SSEFeedBuffer events behind is disconnected and should
// refetch the message before reconnecting.
package server
