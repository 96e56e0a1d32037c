// Package client is the single entry point to the jackpot subgraph: cost-
// gated queries over a pooled HTTP transport, debounced subscriptions over
// a self-healing WebSocket link, and buffered delivery across short
// disconnections.
package client
