// Package subscription implements the Subscription Manager and the
// Disconnection Buffer.
//
// The manager:
//   - Owns exactly one live graphql-transport-ws link to the subgraph
//   - Gates subscriptions through the complexity analyzer before registration
//   - Coalesces high-frequency payloads with trailing-edge debounce
//   - Reconnects with exponential backoff, up to a bounded attempt budget
//
// The buffer:
//   - Records undelivered payloads while the link is down, capacity-bounded
//     with oldest-first eviction
//   - Replays per subscription in sequence order on reconnect
//   - Force-clears after a hard ceiling and raises an extended-outage
//     notification so consumers can distinguish "no new data" from
//     "delivery is broken"
package subscription
