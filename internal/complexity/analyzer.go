package complexity

import (
	"math"
	"strconv"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// Subscriptions are weighted above one-shot queries: they represent an
// ongoing cost for as long as the registration lives.
const (
	subscriptionBaseCost = 50.0
	subscriptionWeight   = 2.0
)

// pageSizeArgs are the argument names that mark a field as list-producing
// and carry the requested page size.
var pageSizeArgs = []string{"first", "last", "limit"}

// listLikeNames are field names that always produce lists regardless of
// naming or arguments (relay-style connections and similar).
var listLikeNames = map[string]struct{}{
	"edges":   {},
	"nodes":   {},
	"items":   {},
	"entries": {},
}

// Config holds the cost model for the analyzer.
type Config struct {
	ScalarCost        float64
	ObjectCost        float64
	ListFactor        float64
	DepthFactor       float64
	IntrospectionCost float64
	DefaultListSize   int

	// FieldCosts overrides the base cost for named fields. Aggregation
	// entities (hourly/daily stats, LP snapshots) are weighted heavier
	// than plain lookups.
	FieldCosts map[string]float64
}

// DefaultConfig returns the cost model used in production.
func DefaultConfig() Config {
	return Config{
		ScalarCost:        1,
		ObjectCost:        2,
		ListFactor:        10,
		DepthFactor:       1.5,
		IntrospectionCost: 100,
		DefaultListSize:   10,
		FieldCosts: map[string]float64{
			"hourlyStats":    25,
			"dailyStats":     25,
			"lpSnapshots":    20,
			"roundSummaries": 20,
			"ticketRanges":   15,
		},
	}
}

// Result is the admission-control score for a single request document.
// It is recomputed per request and never stored.
type Result struct {
	Score          float64
	FieldCount     int
	MaxDepth       int
	ListFieldCount int

	// CustomCosts maps field names with overridden or introspection costs
	// to the cost they accumulated across the document.
	CustomCosts map[string]float64
}

// Analyzer computes admission-control scores for parsed request documents.
// It is a pure function over the document: no state, no I/O.
type Analyzer struct {
	cfg Config
}

// New creates an analyzer with the given cost model. Zero-valued config
// fields fall back to the defaults.
func New(cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.ScalarCost == 0 {
		cfg.ScalarCost = def.ScalarCost
	}
	if cfg.ObjectCost == 0 {
		cfg.ObjectCost = def.ObjectCost
	}
	if cfg.ListFactor == 0 {
		cfg.ListFactor = def.ListFactor
	}
	if cfg.DepthFactor == 0 {
		cfg.DepthFactor = def.DepthFactor
	}
	if cfg.IntrospectionCost == 0 {
		cfg.IntrospectionCost = def.IntrospectionCost
	}
	if cfg.DefaultListSize == 0 {
		cfg.DefaultListSize = def.DefaultListSize
	}
	if cfg.FieldCosts == nil {
		cfg.FieldCosts = def.FieldCosts
	}
	return &Analyzer{cfg: cfg}
}

// Analyze scores a parsed request document.
//
// Depth starts at 1 and increases per nested selection set. A field's own
// cost is scaled by DepthFactor^(depth-1) before the cost of its subtree is
// added; the subtree is already fully depth-scaled by recursion and is not
// re-scaled by the parent's factor. Fragment spreads and inline fragments
// contribute at the depth of the spread site.
func (a *Analyzer) Analyze(doc *ast.QueryDocument) Result {
	res := Result{CustomCosts: make(map[string]float64)}

	for _, op := range doc.Operations {
		cost := a.selectionCost(op.SelectionSet, 1, doc, &res)

		if op.Operation == ast.Subscription {
			res.Score += subscriptionBaseCost + subscriptionWeight*cost
		} else {
			res.Score += cost
		}

		// Top-level introspection fields carry a flat surcharge.
		for _, sel := range op.SelectionSet {
			f, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			if f.Name == "__schema" || f.Name == "__type" {
				res.CustomCosts[f.Name] += a.cfg.IntrospectionCost
				res.Score += a.cfg.IntrospectionCost
			}
		}
	}

	return res
}

func (a *Analyzer) selectionCost(set ast.SelectionSet, depth int, doc *ast.QueryDocument, res *Result) float64 {
	var total float64

	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			res.FieldCount++
			if depth > res.MaxDepth {
				res.MaxDepth = depth
			}

			override, hasOverride := a.cfg.FieldCosts[s.Name]
			var own float64
			switch {
			case hasOverride:
				own = override
			case len(s.SelectionSet) > 0:
				own = a.cfg.ObjectCost
			default:
				own = a.cfg.ScalarCost
			}

			own *= math.Pow(a.cfg.DepthFactor, float64(depth-1))

			if size, isList := a.listSize(s); isList {
				res.ListFieldCount++
				own *= a.cfg.ListFactor * float64(size) / float64(a.cfg.DefaultListSize)
			}

			if hasOverride {
				res.CustomCosts[s.Name] += own
			}
			total += own

			if len(s.SelectionSet) > 0 {
				total += a.selectionCost(s.SelectionSet, depth+1, doc, res)
			}

		case *ast.FragmentSpread:
			// Fragments contribute at the depth of the spread site.
			if frag := doc.Fragments.ForName(s.Name); frag != nil {
				total += a.selectionCost(frag.SelectionSet, depth, doc, res)
			}

		case *ast.InlineFragment:
			total += a.selectionCost(s.SelectionSet, depth, doc, res)
		}
	}

	return total
}

// listSize reports whether a field is list-producing and the requested page
// size. A field is a list if it carries a page-size argument, its name ends
// in a pluralizing suffix, or it matches a known list-like name. The size is
// read from the argument literal when present, else DefaultListSize.
func (a *Analyzer) listSize(f *ast.Field) (int, bool) {
	for _, name := range pageSizeArgs {
		arg := f.Arguments.ForName(name)
		if arg == nil || arg.Value == nil {
			continue
		}
		if arg.Value.Kind == ast.IntValue {
			if n, err := strconv.Atoi(arg.Value.Raw); err == nil && n > 0 {
				return n, true
			}
		}
		// Variable-valued page size: classified as list, size unknown.
		return a.cfg.DefaultListSize, true
	}

	if _, ok := listLikeNames[f.Name]; ok {
		return a.cfg.DefaultListSize, true
	}

	if !strings.HasPrefix(f.Name, "__") && strings.HasSuffix(f.Name, "s") {
		return a.cfg.DefaultListSize, true
	}

	return 0, false
}
