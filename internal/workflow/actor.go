package workflow

import (
	"context"

	"complianceflow/internal/tenant"
)

// Actor 发起操作的主体
type Actor struct {
	ID       string
	Roles    []string
	IsSystem bool
}

// SystemActor 定时任务等内部调用方
func SystemActor(name string) Actor {
	return Actor{ID: "system:" + name, IsSystem: true}
}

// ActorFromContext 从请求上下文中的 TenantContext 构建 Actor
func ActorFromContext(ctx context.Context) (Actor, bool) {
	tc, ok := tenant.FromContext(ctx)
	if !ok {
		return Actor{}, false
	}
	return Actor{ID: tc.UserID, Roles: tc.Roles, IsSystem: tc.IsSystemAdmin}, true
}

// HasAnyRole 未配置角色限制时任何人都可通过，系统主体直接放行
func (a Actor) HasAnyRole(allowed []string) bool {
	if len(allowed) == 0 || a.IsSystem {
		return true
	}
	for _, want := range allowed {
		for _, have := range a.Roles {
			if want == have {
				return true
			}
		}
	}
	return false
}
