package complexity

import (
	"fmt"
	"sort"
	"strings"
)

// LimitError is an admission-control rejection. It is raised before any
// network call is made and is never retried.
type LimitError struct {
	Score          float64
	Limit          float64
	FieldCount     int
	MaxDepth       int
	ListFieldCount int
	CustomCosts    map[string]float64
}

func (e *LimitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "query complexity %.0f exceeds limit %.0f (%d fields, depth %d, %d list fields)",
		e.Score, e.Limit, e.FieldCount, e.MaxDepth, e.ListFieldCount)
	b.WriteString("; reduce the number of selected fields or add pagination arguments to list fields")
	if len(e.CustomCosts) > 0 {
		names := make([]string, 0, len(e.CustomCosts))
		for name := range e.CustomCosts {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, ", or drop expensive fields: %s", strings.Join(names, ", "))
	}
	return b.String()
}

// ValidateLimit checks a result against the configured maximum score.
func ValidateLimit(res Result, maxScore float64) error {
	if res.Score <= maxScore {
		return nil
	}
	return &LimitError{
		Score:          res.Score,
		Limit:          maxScore,
		FieldCount:     res.FieldCount,
		MaxDepth:       res.MaxDepth,
		ListFieldCount: res.ListFieldCount,
		CustomCosts:    res.CustomCosts,
	}
}
