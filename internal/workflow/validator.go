package workflow

// TransitionValidator 转换校验器（纯函数，无副作用）
type TransitionValidator struct{}

// NewTransitionValidator 创建校验器
func NewTransitionValidator() *TransitionValidator {
	return &TransitionValidator{}
}

// Check 校验 from→to 是否允许
// 按声明顺序尝试每条边：角色满足且条件为真即通过。
// 所有候选边都因角色被拒时返回 FORBIDDEN，否则 CONDITION_NOT_MET。
func (v *TransitionValidator) Check(g *Graph, from, to string, actor Actor, vars map[string]any) (*Edge, error) {
	candidates := g.EdgesBetween(from, to)
	if len(candidates) == 0 {
		return nil, newError(KindIllegalTransition, "不存在从 %s 到 %s 的转换", from, to)
	}

	roleRejected := 0
	var lastErr error
	for i := range candidates {
		edge := candidates[i]
		if !actor.HasAnyRole(edge.AllowedRoles) {
			roleRejected++
			continue
		}
		ok, err := edge.Condition.Evaluate(vars)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return &edge, nil
		}
	}

	if roleRejected == len(candidates) {
		return nil, newError(KindForbidden, "用户 %s 无权执行 %s → %s", actor.ID, from, to)
	}
	if lastErr != nil {
		return nil, wrapError(KindConditionNotMet, lastErr, "转换条件不满足 %s → %s", from, to)
	}
	return nil, newError(KindConditionNotMet, "转换条件不满足 %s → %s", from, to)
}

// conditionVars 条件求值变量：调用方上下文 + 内置变量
func conditionVars(ctx map[string]any, inst *WorkflowInstance, toStage string, actor Actor) map[string]any {
	vars := make(map[string]any, len(ctx)+4)
	for k, v := range ctx {
		vars[k] = v
	}
	vars["currentStage"] = inst.CurrentStage
	vars["toStage"] = toStage
	vars["entityType"] = string(inst.EntityType)
	vars["actorId"] = actor.ID
	return vars
}
