// Package graph holds the shared GraphQL request/response types and the
// document parser used by the complexity analyzer, the connection pool,
// and the subscription manager.
package graph
