package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionValidatorCheck(t *testing.T) {
	g, err := CompileGraph(caseDefinition())
	require.NoError(t, err)
	v := NewTransitionValidator()
	reviewer := Actor{ID: "u-1", Roles: []string{"reviewer"}}
	analyst := Actor{ID: "u-2", Roles: []string{"analyst"}}

	_, err = v.Check(g, "triage", "closed", reviewer, nil)
	require.Equal(t, KindIllegalTransition, KindOf(err))

	_, err = v.Check(g, "review", "closed", analyst, map[string]any{"approved": true})
	require.Equal(t, KindForbidden, KindOf(err))

	_, err = v.Check(g, "review", "closed", reviewer, map[string]any{"approved": false})
	require.Equal(t, KindConditionNotMet, KindOf(err))

	// 缺失变量导致求值错误，也视为条件不满足
	_, err = v.Check(g, "review", "closed", reviewer, map[string]any{})
	require.Equal(t, KindConditionNotMet, KindOf(err))

	edge, err := v.Check(g, "review", "closed", reviewer, map[string]any{"approved": true})
	require.NoError(t, err)
	require.Equal(t, "closed", edge.To)

	// 系统主体跳过角色限制
	_, err = v.Check(g, "review", "closed", SystemActor("sla"), map[string]any{"approved": true})
	require.NoError(t, err)

	_, err = v.Check(g, "triage", "review", analyst, nil)
	require.NoError(t, err)
}

func TestTransitionValidatorFirstPassingEdge(t *testing.T) {
	def := caseDefinition()
	def.Transitions = append(def.Transitions, TransitionDefinition{
		From: "review", To: "closed", Label: "escalated", AllowedRoles: []string{"manager"},
	})
	g, err := CompileGraph(def)
	require.NoError(t, err)

	manager := Actor{ID: "m-1", Roles: []string{"manager"}}
	edge, err := NewTransitionValidator().Check(g, "review", "closed", manager, nil)
	require.NoError(t, err)
	require.Equal(t, "escalated", edge.Label)
}

func TestTransitionValidatorNestedFields(t *testing.T) {
	def := caseDefinition()
	def.Transitions[2].ConditionExpr = `{{review.outcome}} == "approved"`
	g, err := CompileGraph(def)
	require.NoError(t, err)

	reviewer := Actor{ID: "u-1", Roles: []string{"reviewer"}}
	v := NewTransitionValidator()

	_, err = v.Check(g, "review", "closed", reviewer, map[string]any{
		"review": map[string]any{"outcome": "approved"},
	})
	require.NoError(t, err)

	_, err = v.Check(g, "review", "closed", reviewer, map[string]any{
		"review": map[string]any{"outcome": "rejected"},
	})
	requireKind(t, err, KindConditionNotMet)
}

func TestConditionVarsBuiltins(t *testing.T) {
	inst := &WorkflowInstance{CurrentStage: "triage", EntityType: EntityCase}
	vars := conditionVars(map[string]any{"amount": 1, "currentStage": "spoofed"}, inst, "review", Actor{ID: "u-1"})

	require.Equal(t, 1, vars["amount"])
	require.Equal(t, "triage", vars["currentStage"])
	require.Equal(t, "review", vars["toStage"])
	require.Equal(t, string(EntityCase), vars["entityType"])
	require.Equal(t, "u-1", vars["actorId"])
}
