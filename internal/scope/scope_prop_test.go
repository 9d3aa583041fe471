package scope

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/toolgate-ai/toolgate/internal/decision"
)

func TestProp_MergeFollowsPrecedenceAndBreadth(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	decisions := []decision.Decision{decision.Allow, decision.Deny, decision.Ask}
	scopes := []decision.ScopeLevel{
		decision.ScopeOrg, decision.ScopeProject, decision.ScopeUser, decision.ScopeRole,
	}

	properties.Property("merged decision has max precedence, ties go broad", prop.ForAll(
		func(picks []int) bool {
			var found []ScopedDecision
			for i, p := range picks {
				if p < 0 {
					continue // scope silent
				}
				found = append(found, scoped(decisions[p%3], scopes[i%4]))
			}
			got := Merge(found)
			if len(found) == 0 {
				return got == nil
			}
			if got == nil {
				return false
			}
			for _, sd := range found {
				if sd.Decision.Precedence() > got.Decision.Precedence() {
					return false
				}
				if sd.Decision.Precedence() == got.Decision.Precedence() &&
					sd.Scope.Breadth() > got.Scope.Breadth() {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, gen.IntRange(-1, 2)),
	))
	properties.TestingRun(t)
}
