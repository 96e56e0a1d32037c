package graph

import (
	"encoding/json"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Request is a GraphQL request document with its variables.
type Request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Error is a GraphQL-level error returned by the subgraph.
type Error struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

func (e Error) Error() string {
	return e.Message
}

// Response is the decoded body of a GraphQL HTTP response.
// A 200 response may still carry field-level errors.
type Response struct {
	Data   json.RawMessage `json:"data"`
	Errors []Error         `json:"errors,omitempty"`
}

// ParseQuery parses a GraphQL request document.
func ParseQuery(query string) (*ast.QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	return doc, nil
}
