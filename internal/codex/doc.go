/*
Package codex talks to a `codex app-server` subprocess.

The app-server speaks newline-delimited JSON on stdio. Every line is one of

	request       {"id": 7, "method": "turn/start", "params": {...}}
	response      {"id": 7, "result": {...}} or {"id": 7, "error": {"message": "..."}}
	notification  {"method": "item/agentMessage/delta", "params": {...}}

and both sides send requests. A Transport owns at most one live process:
it is started lazily by the first call, handshaked with initialize and
initialized, and replaced by a fresh process on the next call after it exits.

Requests are correlated purely by id and may be outstanding concurrently.
When the process exits every pending request fails with the same *ExitError,
which wraps ErrProcessExited; callers decide whether to retry. Requests the
app-server sends to the host (approvals) are offered to OnRequest handlers;
one that nobody claims is answered with {"decision":"cancel"}.

Stderr is logged at debug level and its tail is attached to exit errors.
*/
package codex
