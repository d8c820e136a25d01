/*
Package turn runs one user turn against the codex app-server.

A Processor opens (or resumes) the backend thread of a session, starts a turn
on it and translates the streamed item notifications into message parts:

	agentMessage      -> text
	reasoning         -> reasoning
	commandExecution  -> tool "bash"
	fileChange        -> tool "patch" plus a patch part
	mcpToolCall       -> tool "<server>_<tool>"
	webSearch         -> tool "websearch"
	imageView         -> tool "view_image"

Every turn begins with a step-start part and ends with a step-finish part
carrying the token accounting. Approval requests of the turn's thread are
decided against the request's Ruleset and, when that asks, through the
Approver.

Cancelling the context passed to Run aborts the turn. The backend is asked to
interrupt exactly once and the app-server keeps running.
*/
package turn
