package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Condition 预编译的转换条件表达式
// 支持的语法：
// - amount > 10000
// - riskLevel == "high" && approved
// - {{review.score}} >= 80 （嵌套字段用 {{ }} 引用）
type Condition struct {
	source       string
	expression   *govaluate.EvaluableExpression
	placeholders map[string]string
}

// CompileCondition 编译条件表达式，空表达式返回 nil
func CompileCondition(src string) (*Condition, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}

	// 先把 {{ path }} 替换为占位变量，避免 govaluate 解析点号
	placeholders := make(map[string]string)
	processed := placeholderPattern.ReplaceAllStringFunc(src, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		name := fmt.Sprintf("__var%d", len(placeholders))
		placeholders[name] = path
		return name
	})

	expression, err := govaluate.NewEvaluableExpression(processed)
	if err != nil {
		return nil, fmt.Errorf("解析条件表达式失败: %w", err)
	}

	return &Condition{source: src, expression: expression, placeholders: placeholders}, nil
}

// Source 原始表达式
func (c *Condition) Source() string {
	if c == nil {
		return ""
	}
	return c.source
}

// Evaluate 使用给定变量求值，结果必须为布尔值
func (c *Condition) Evaluate(vars map[string]any) (bool, error) {
	if c == nil {
		return true, nil
	}

	params := make(map[string]interface{}, len(c.placeholders))
	for name, path := range c.placeholders {
		params[name] = normalizeValue(lookupPath(vars, path))
	}
	for _, v := range c.expression.Vars() {
		if _, exists := params[v]; exists {
			continue
		}
		params[v] = normalizeValue(lookupPath(vars, v))
	}

	result, err := c.expression.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("条件求值失败: %w", err)
	}

	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("条件表达式结果不是布尔值: %v", result)
	}
	return matched, nil
}

// lookupPath 按点号路径读取嵌套 map 字段
func lookupPath(data map[string]any, path string) any {
	if data == nil {
		return nil
	}
	if v, ok := data[path]; ok {
		return v
	}

	current := any(data)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// normalizeValue govaluate 的数值比较基于 float64
func normalizeValue(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	case uint:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	default:
		return v
	}
}
