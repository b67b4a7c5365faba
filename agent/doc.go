// Package agent routes prompts to pluggable AI backends.
//
// The Dispatcher is the single entry point. It owns the provider registry
// and the response cache, resolves which backend a call targets (explicit
// option, then the active agent, then the configured default), and
// normalizes every transport's output into a plain string response.
//
// Providers initialize through an ordered fallback chain declared in the
// config: an ACP agent binary first, then the native API, then a local
// model. Each link is an independent attempt; initialization stops at the
// first success. The chain applies only at initialization time — a
// per-message transport failure surfaces as a DispatchError and is never
// retried automatically.
package agent
