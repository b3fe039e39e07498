package workflow

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCreateDraftVersioning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := CreateTemplateRequest{TenantID: "org-1", Name: "case-intake", EntityType: EntityCase, Definition: caseDefinition()}
	v1, err := env.svc.CreateTemplate(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, v1.Version)
	require.False(t, v1.IsActive)
	require.NotEmpty(t, v1.DefinitionHash)

	v2, err := env.svc.CreateTemplate(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version)

	// 其他租户的同名模板独立编号
	other, err := env.svc.CreateTemplate(ctx, CreateTemplateRequest{TenantID: "org-2", Name: "case-intake", EntityType: EntityCase, Definition: caseDefinition()})
	require.NoError(t, err)
	require.Equal(t, 1, other.Version)

	versions, err := env.svc.Templates().ListVersions(ctx, "org-1", "case-intake")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, 2, versions[0].Version)

	// 同名不同实体类型
	_, err = env.svc.CreateTemplate(ctx, CreateTemplateRequest{TenantID: "org-1", Name: "case-intake", EntityType: EntityPolicy, Definition: caseDefinition()})
	requireKind(t, err, KindInvalidGraph)
}

func TestCreateDraftRejectsInvalidGraph(t *testing.T) {
	env := newTestEnv(t)
	def := caseDefinition()
	def.Transitions = append(def.Transitions, TransitionDefinition{From: "closed", To: "ghost"})

	_, err := env.svc.CreateTemplate(context.Background(), CreateTemplateRequest{
		TenantID: "org-1", Name: "broken", EntityType: EntityCase, Definition: def,
	})
	requireKind(t, err, KindInvalidGraph)

	var count int64
	require.NoError(t, env.db.Model(&WorkflowTemplate{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestPublishVersionRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conflicts := 1
	require.NoError(t, env.db.Callback().Create().Before("gorm:create").Register("test:version_race", func(d *gorm.DB) {
		if d.Statement.Table == "workflow_templates" && conflicts > 0 {
			conflicts--
			_ = d.AddError(gorm.ErrDuplicatedKey)
		}
	}))

	tpl, err := env.svc.CreateTemplate(ctx, CreateTemplateRequest{TenantID: "org-1", Name: "race", EntityType: EntityCase, Definition: caseDefinition()})
	require.NoError(t, err, "冲突一次后应重试成功")
	require.Equal(t, 1, tpl.Version)

	conflicts = DefaultPublishMaxRetries
	_, err = env.svc.CreateTemplate(ctx, CreateTemplateRequest{TenantID: "org-1", Name: "race", EntityType: EntityCase, Definition: caseDefinition()})
	requireKind(t, err, KindVersionConflict)
	require.True(t, IsRetryable(err))
}

func TestPublishInPlaceWithoutLiveInstances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tpl := env.publishDefault(t, "case", EntityCase, caseDefinition())
	require.True(t, tpl.IsActive)
	require.True(t, tpl.IsDefault)
	require.NotNil(t, tpl.PublishedAt)
	require.Len(t, env.publisher.byName(EventTemplatePublished), 1)

	edited := caseDefinition()
	edited.DefaultSlaHours = 12
	res, err := env.svc.PublishTemplate(ctx, PublishTemplateRequest{TenantID: "org-1", TemplateID: tpl.ID, Definition: &edited, Actor: Actor{ID: "admin"}})
	require.NoError(t, err)
	require.False(t, res.Forked)
	require.Equal(t, 1, res.Template.Version)

	stored, err := env.svc.Templates().Get(ctx, "org-1", tpl.ID)
	require.NoError(t, err)
	require.Equal(t, 12.0, stored.Definition.DefaultSlaHours)
	require.Equal(t, DefinitionHash(edited), stored.DefinitionHash)
	require.True(t, stored.IsDefault)

	// 无效定义直接拒绝
	bad := caseDefinition()
	bad.InitialStage = "nope"
	_, err = env.svc.PublishTemplate(ctx, PublishTemplateRequest{TenantID: "org-1", TemplateID: tpl.ID, Definition: &bad})
	requireKind(t, err, KindInvalidGraph)

	_, err = env.svc.PublishTemplate(ctx, PublishTemplateRequest{TenantID: "org-2", TemplateID: tpl.ID})
	requireKind(t, err, KindNotFound)
}

// 已发布版本存在运行中实例时，发布新定义会分叉出新版本，旧实例保持原版本
func TestPublishForksVersionWithLiveInstances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v1 := env.publishDefault(t, "case", EntityCase, caseDefinition())
	v1Hash := v1.DefinitionHash

	inst := env.start(t, "case-1")
	require.Equal(t, 1, inst.TemplateVersion)

	edited := caseDefinition()
	edited.Stages = append(edited.Stages, StageDefinition{Key: "legal", Label: "Legal"})
	edited.Transitions = append(edited.Transitions,
		TransitionDefinition{From: "review", To: "legal"},
		TransitionDefinition{From: "legal", To: "closed"},
	)

	res, err := env.svc.PublishTemplate(ctx, PublishTemplateRequest{TenantID: "org-1", TemplateID: v1.ID, Definition: &edited, Actor: Actor{ID: "admin"}})
	require.NoError(t, err)
	require.True(t, res.Forked)
	require.Equal(t, v1.ID, res.PreviousID)
	require.Equal(t, 2, res.Template.Version)
	require.True(t, res.Template.IsDefault, "新版本继承默认标记")
	require.Len(t, env.publisher.byName(EventTemplateVersionCreated), 1)

	// v1 仍可解析且定义未变
	old, err := env.svc.Templates().ResolveForInstance(ctx, "org-1", v1.ID, 1)
	require.NoError(t, err)
	require.Equal(t, v1Hash, old.DefinitionHash)
	require.Len(t, old.Definition.Stages, 3)
	require.False(t, old.IsDefault)
	require.True(t, old.IsActive)

	_, err = env.svc.Templates().ResolveForInstance(ctx, "org-1", v1.ID, 2)
	requireKind(t, err, KindNotFound)

	def, err := env.svc.Templates().ResolveDefault(ctx, "org-1", EntityCase)
	require.NoError(t, err)
	require.Equal(t, res.Template.ID, def.ID)

	// 旧实例仍按 v1 解释阶段
	got, err := env.svc.GetInstance(ctx, "org-1", inst.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.TemplateVersion)
	require.Equal(t, v1.ID, got.TemplateID)

	moved, err := env.svc.TransitionInstance(ctx, TransitionRequest{TenantID: "org-1", InstanceID: inst.ID, ToStage: "review", Actor: Actor{ID: "analyst-1"}})
	require.NoError(t, err)
	require.Equal(t, 1, moved.TemplateVersion)

	_, err = env.svc.TransitionInstance(ctx, TransitionRequest{TenantID: "org-1", InstanceID: inst.ID, ToStage: "legal", Actor: Actor{ID: "analyst-1"}})
	requireKind(t, err, KindIllegalTransition)

	// 新实例使用 v2
	fresh := env.start(t, "case-2")
	require.Equal(t, 2, fresh.TemplateVersion)
}

func TestMakeDefaultKeepsSingleDefault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.publishDefault(t, "case-a", EntityCase, caseDefinition())
	second := env.publishDefault(t, "case-b", EntityCase, caseDefinition())

	var defaults []WorkflowTemplate
	require.NoError(t, env.db.Where("tenant_id = ? AND entity_type = ? AND is_default = ?", "org-1", EntityCase, true).Find(&defaults).Error)
	require.Len(t, defaults, 1)
	require.Equal(t, second.ID, defaults[0].ID)

	reloaded, err := env.svc.Templates().Get(ctx, "org-1", first.ID)
	require.NoError(t, err)
	require.False(t, reloaded.IsDefault)
	require.True(t, reloaded.IsActive)

	_, err = env.svc.Templates().ResolveDefault(ctx, "org-1", EntityPolicy)
	requireKind(t, err, KindNotFound)
}

func TestTemplateGraphCache(t *testing.T) {
	env := newTestEnv(t)
	tpl := env.publishDefault(t, "case", EntityCase, caseDefinition())

	g1, err := env.svc.Templates().Graph(tpl)
	require.NoError(t, err)
	g2, err := env.svc.Templates().Graph(tpl)
	require.NoError(t, err)
	require.Same(t, g1, g2)
}

func TestDefaultUniqueIndexPerEntityType(t *testing.T) {
	env := newTestEnv(t)
	row := func(name string, entityType EntityType, isDefault bool) *WorkflowTemplate {
		return &WorkflowTemplate{
			ID: uuid.New().String(), TenantID: "org-1", Name: name, Version: 1, EntityType: entityType,
			Definition: caseDefinition(), DefinitionHash: DefinitionHash(caseDefinition()),
			IsActive: true, IsDefault: isDefault, CreatedAt: t0, UpdatedAt: t0,
		}
	}

	require.NoError(t, env.db.Create(row("a", EntityCase, true)).Error)
	require.ErrorIs(t, env.db.Create(row("b", EntityCase, true)).Error, gorm.ErrDuplicatedKey)

	// 非默认行和其他实体类型不受约束
	require.NoError(t, env.db.Create(row("c", EntityCase, false)).Error)
	require.NoError(t, env.db.Create(row("d", EntityPolicy, true)).Error)
}

func TestMakeDefaultRetriesOnConcurrentDefault(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	draft, err := env.svc.CreateTemplate(ctx, CreateTemplateRequest{TenantID: "org-1", Name: "mine", EntityType: EntityCase, Definition: caseDefinition()})
	require.NoError(t, err)

	// 模拟另一个发布在清除默认之后、设置默认之前抢先写入默认版本
	injected := false
	require.NoError(t, env.db.Callback().Update().Before("gorm:update").Register("test:concurrent_default", func(d *gorm.DB) {
		values, ok := d.Statement.Dest.(map[string]interface{})
		if injected || d.Statement.Table != "workflow_templates" || !ok || values["is_default"] != true {
			return
		}
		injected = true
		d.Session(&gorm.Session{NewDB: true, SkipHooks: true}).Create(&WorkflowTemplate{
			ID: uuid.New().String(), TenantID: "org-1", Name: "rival", Version: 1, EntityType: EntityCase,
			Definition: caseDefinition(), DefinitionHash: DefinitionHash(caseDefinition()),
			IsActive: true, IsDefault: true, CreatedAt: t0, UpdatedAt: t0,
		})
	}))

	res, err := env.svc.PublishTemplate(ctx, PublishTemplateRequest{TenantID: "org-1", TemplateID: draft.ID, MakeDefault: true, Actor: Actor{ID: "admin"}})
	require.NoError(t, err)
	require.True(t, injected)
	require.True(t, res.Template.IsDefault)

	var defaults []WorkflowTemplate
	require.NoError(t, env.db.Where("tenant_id = ? AND entity_type = ? AND is_default = ?", "org-1", EntityCase, true).Find(&defaults).Error)
	require.Len(t, defaults, 1)
	require.Equal(t, draft.ID, defaults[0].ID)
}
