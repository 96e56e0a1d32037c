// Package pool implements the Connection Pool component.
//
// The pool:
//   - Holds a fixed set of reusable request handles to the subgraph
//   - Degrades to LRU oversubscription instead of blocking when exhausted
//   - Gates every request through the complexity analyzer before the network
//   - Retries transient failures with exponential backoff; 4xx-class
//     failures abort immediately
//   - Replaces connections whose error count crosses a threshold
package pool
