// Package permission brokers tool approval decisions between a running turn
// and the human reviewing it.
//
// # Negotiator
//
// A Negotiator keeps one pending entry per outstanding request. Ask blocks
// until Respond answers it:
//
//   - once approves that request only
//   - always approves it, every other pending request of the same session
//     and type, and every later Ask for that pair, which then returns without
//     publishing anything
//   - reject fails that request with a *RejectedError and leaves the others
//     waiting
//
// Teardown rejects everything still pending with a *RejectedError whose
// Shutdown field is set, so callers can tell a shutdown from a reviewer's
// refusal. Every request is published as permission.updated when created
// and as permission.replied when resolved.
//
// # Ruleset
//
// Before a request reaches the reviewer, Ruleset.Decide maps it to allow,
// deny or ask. Bash requests carry literal command lines which are parsed
// with mvdan.cc/sh and matched per simple command:
//
//	"git commit *"  most specific
//	"git *"
//	"git"
//	"*"             fallback
//
// Edit requests carry root-relative paths matched against doublestar globs
// such as "docs/**" or "**/*.md". A request spanning several commands or
// paths resolves to the strictest action among them.
package permission
