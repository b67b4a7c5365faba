// Package acp implements the client side of the Agent Client Protocol (ACP).
// It spawns an external agent binary and speaks newline-delimited JSON-RPC
// over the agent's stdio.
//
// Two message classes are multiplexed over the one stream:
//
//   - Client-initiated requests (initialize, session/new, session/prompt) are
//     correlated by a monotonically increasing numeric ID and resolved by the
//     read loop when a response with a matching ID arrives, or failed by a
//     per-request timeout.
//   - Server-initiated calls (session/update, session/request_permission,
//     fs/read_text_file, fs/write_text_file) carry a method name and are
//     dispatched to fixed handlers; no ID correlation is expected.
//
// The session handshake (initialize followed by session/new) runs lazily on
// the first prompt and the resulting session ID is cached for the lifetime of
// the process.
package acp
