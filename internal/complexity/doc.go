// Package complexity implements the admission-control analyzer.
//
// The analyzer:
//   - Scores parsed request documents from field count, nesting depth,
//     and list sizes before any network call is made
//   - Applies per-field cost overrides for aggregation-style entities
//   - Weights subscriptions above one-shot queries (50 + 2x selection cost)
//   - Surcharges top-level introspection fields
//
// Scores are validated against a configured ceiling; rejected requests
// never reach the upstream subgraph.
package complexity
