package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Edge 编译后的转换边
type Edge struct {
	TransitionDefinition
	Condition *Condition
}

// Graph 模板定义的编译结果：阶段索引 + 已编译条件
// 由 TemplateStore 按 DefinitionHash 缓存，运行期转换无需重新校验
type Graph struct {
	Definition TemplateDefinition
	Hash       string

	stages map[string]StageDefinition
	edges  map[string][]Edge
}

// Stage 查找阶段
func (g *Graph) Stage(key string) (StageDefinition, bool) {
	s, ok := g.stages[key]
	return s, ok
}

// EdgesBetween 按声明顺序返回 from→to 的所有边
func (g *Graph) EdgesBetween(from, to string) []Edge {
	var out []Edge
	for _, e := range g.edges[from] {
		if e.To == to {
			out = append(out, e)
		}
	}
	return out
}

// Outgoing 阶段的所有出边
func (g *Graph) Outgoing(from string) []Edge {
	return g.edges[from]
}

// ValidateDefinition 校验模板图，返回所有问题（为空表示通过）
func ValidateDefinition(def TemplateDefinition) []GraphIssue {
	var issues []GraphIssue
	add := func(field, format string, args ...any) {
		issues = append(issues, GraphIssue{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if len(def.Stages) == 0 {
		add("stages", "至少需要一个阶段")
	}

	stages := make(map[string]bool, len(def.Stages))
	terminalCount := 0
	for i, s := range def.Stages {
		field := fmt.Sprintf("stages[%d]", i)
		key := strings.TrimSpace(s.Key)
		if key == "" {
			add(field+".key", "阶段 key 不能为空")
			continue
		}
		if stages[key] {
			add(field+".key", "阶段 key 重复: %s", key)
		}
		stages[key] = true
		if s.IsTerminal {
			terminalCount++
		}
		if s.SlaHoursOverride != nil && *s.SlaHoursOverride < 0 {
			add(field+".slaHoursOverride", "SLA 时长不能为负数")
		}
	}

	if def.InitialStage == "" {
		add("initialStage", "必须指定初始阶段")
	} else if !stages[def.InitialStage] {
		add("initialStage", "初始阶段不存在: %s", def.InitialStage)
	}
	if len(def.Stages) > 0 && terminalCount == 0 {
		add("stages", "至少需要一个终止阶段")
	}
	if def.DefaultSlaHours < 0 {
		add("defaultSlaHours", "SLA 时长不能为负数")
	}
	if pct := def.SlaConfig.WarningThresholdPct; pct < 0 || pct > 1 {
		add("slaConfig.warningThresholdPct", "预警阈值必须在 (0,1] 之间")
	}
	if def.SlaConfig.CriticalThresholdHours < 0 {
		add("slaConfig.criticalThresholdHours", "严重超时阈值不能为负数")
	}

	adjacency := make(map[string][]string)
	for i, t := range def.Transitions {
		field := fmt.Sprintf("transitions[%d]", i)
		if !stages[t.From] {
			add(field+".from", "源阶段不存在: %s", t.From)
		}
		if !stages[t.To] {
			add(field+".to", "目标阶段不存在: %s", t.To)
		}
		if _, err := CompileCondition(t.ConditionExpr); err != nil {
			add(field+".conditionExpr", "%v", err)
		}
		adjacency[t.From] = append(adjacency[t.From], t.To)
	}

	// 从初始阶段出发 BFS，检测不可达阶段
	if stages[def.InitialStage] {
		reached := map[string]bool{def.InitialStage: true}
		queue := []string{def.InitialStage}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range adjacency[cur] {
				if stages[next] && !reached[next] {
					reached[next] = true
					queue = append(queue, next)
				}
			}
		}
		for i, s := range def.Stages {
			if s.Key != "" && !reached[s.Key] {
				add(fmt.Sprintf("stages[%d]", i), "阶段从初始阶段不可达: %s", s.Key)
			}
		}
	}

	return issues
}

// CompileGraph 校验并编译模板定义
func CompileGraph(def TemplateDefinition) (*Graph, error) {
	if issues := ValidateDefinition(def); len(issues) > 0 {
		return nil, &Error{Kind: KindInvalidGraph, Message: "模板定义校验失败", Issues: issues}
	}

	g := &Graph{
		Definition: def,
		Hash:       DefinitionHash(def),
		stages:     make(map[string]StageDefinition, len(def.Stages)),
		edges:      make(map[string][]Edge),
	}
	for _, s := range def.Stages {
		g.stages[s.Key] = s
	}
	for _, t := range def.Transitions {
		cond, err := CompileCondition(t.ConditionExpr)
		if err != nil {
			return nil, wrapError(KindInvalidGraph, err, "编译转换条件失败 %s→%s", t.From, t.To)
		}
		g.edges[t.From] = append(g.edges[t.From], Edge{TransitionDefinition: t, Condition: cond})
	}
	return g, nil
}

// DefinitionHash 定义内容哈希（sha256 of JSON）
func DefinitionHash(def TemplateDefinition) string {
	data, _ := json.Marshal(def)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
