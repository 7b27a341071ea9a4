package validation

import (
	"context"

	"github.com/entityplatform/core/internal/reqctx"
)

// Input is the full evaluation request (spec §4.C7 "Execution").
type Input struct {
	Entity         string
	Rules          []Rule
	Data           map[string]any
	Trigger        Trigger
	Phase          Phase
	Ctx            reqctx.RequestContext
	ExistingRecord map[string]any
	Lookups        Lookups
}

// Evaluate runs the rule graph against Input (spec §4.C7 steps 1-3):
// filter by appliesOn+phase, execute in declaration order, accumulate
// errors by severity.
func Evaluate(ctx context.Context, in Input) (Result, error) {
	var result Result
	for _, rule := range in.Rules {
		if !rule.AppliesToTrigger(in.Trigger) {
			continue
		}
		if rule.Phase != in.Phase {
			continue
		}
		errs, err := evalRule(ctx, in.Ctx, in.Entity, rule, in.Data, in.ExistingRecord, in.Lookups)
		if err != nil {
			return Result{}, err
		}
		result.Errors = append(result.Errors, errs...)
	}
	return result, nil
}
