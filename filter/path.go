package filter

import (
	"fmt"
	"strings"

	"github.com/gofhir/fhirpath"
	"go.uber.org/zap"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/model"
)

// isPathExpression reports whether a filter property is a FHIRPath expression
// over the concept's extras rather than a plain property name.
func isPathExpression(property string) bool {
	return strings.ContainsAny(property, ".()")
}

func (e *Engine) compilePath(expr string) (*fhirpath.Expression, error) {
	return e.paths.GetOrLoad(expr, func() (*fhirpath.Expression, error) {
		compiled, err := fhirpath.Compile(expr)
		if err != nil {
			return nil, oclfhir.InvalidFilter("invalid FHIRPath property %q: %v", expr, err)
		}
		return compiled, nil
	})
}

// evalPath evaluates expr against the concept's extras document and returns
// the string form of each result. Concepts without extras, or whose extras do
// not evaluate, produce no values.
func (e *Engine) evalPath(expr *fhirpath.Expression, c *model.Concept) []string {
	if len(c.Extras) == 0 {
		return nil
	}
	result, err := expr.Evaluate(c.Extras)
	if err != nil {
		e.logger.Debug("FHIRPath property did not evaluate",
			zap.String("expression", expr.String()),
			zap.String("code", c.Code),
			zap.Error(err),
		)
		return nil
	}
	out := make([]string, 0, len(result))
	for _, v := range result {
		out = append(out, fmt.Sprint(v))
	}
	return out
}
