package assignment

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
)

// matchAll 评估条件组
func matchAll(matchers []Matcher, mode string, data map[string]any) bool {
	if len(matchers) == 0 {
		return true // 没有条件，默认匹配
	}

	for _, m := range matchers {
		matched := evaluateMatcher(m, data)
		if mode == MatchAny && matched {
			return true
		}
		if mode != MatchAny && !matched {
			return false
		}
	}
	return mode != MatchAny
}

// evaluateMatcher 评估单个条件
func evaluateMatcher(m Matcher, data map[string]any) bool {
	if m.Expression != "" {
		return evaluateExpression(m.Expression, data)
	}

	fieldValue, exists := fieldValue(m.Field, data)
	switch m.Operator {
	case "is_null":
		return !exists || fieldValue == nil
	case "is_not_null":
		return exists && fieldValue != nil
	}
	if !exists {
		return false
	}

	switch m.Operator {
	case "eq", "==", "=":
		return compareEqual(fieldValue, m.Value)
	case "ne", "!=", "<>":
		return !compareEqual(fieldValue, m.Value)
	case "gt", ">":
		return compareNumeric(fieldValue, m.Value) > 0
	case "gte", ">=":
		return compareNumeric(fieldValue, m.Value) >= 0
	case "lt", "<":
		return compareNumeric(fieldValue, m.Value) < 0
	case "lte", "<=":
		return compareNumeric(fieldValue, m.Value) <= 0
	case "in":
		return checkIn(fieldValue, m.Value)
	case "not_in":
		return !checkIn(fieldValue, m.Value)
	case "contains":
		return strings.Contains(fmt.Sprintf("%v", fieldValue), fmt.Sprintf("%v", m.Value))
	case "starts_with":
		return strings.HasPrefix(fmt.Sprintf("%v", fieldValue), fmt.Sprintf("%v", m.Value))
	case "ends_with":
		return strings.HasSuffix(fmt.Sprintf("%v", fieldValue), fmt.Sprintf("%v", m.Value))
	case "regex":
		re, err := regexp.Compile(fmt.Sprintf("%v", m.Value))
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", fieldValue))
	default:
		return false
	}
}

// evaluateExpression govaluate 表达式，非布尔或出错均视为不匹配
func evaluateExpression(expr string, data map[string]any) bool {
	expression, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return false
	}
	params := make(map[string]interface{}, len(data))
	for _, v := range expression.Vars() {
		val, _ := fieldValue(v, data)
		params[v] = numeric(val)
	}
	result, err := expression.Evaluate(params)
	if err != nil {
		return false
	}
	matched, ok := result.(bool)
	return ok && matched
}

// validateMatcher 创建规则时预检
func validateMatcher(m Matcher) error {
	if m.Expression != "" {
		if _, err := govaluate.NewEvaluableExpression(m.Expression); err != nil {
			return fmt.Errorf("表达式无效: %w", err)
		}
		return nil
	}
	if m.Field == "" {
		return fmt.Errorf("条件缺少 field")
	}
	switch m.Operator {
	case "eq", "==", "=", "ne", "!=", "<>", "gt", ">", "gte", ">=", "lt", "<", "lte", "<=",
		"in", "not_in", "contains", "starts_with", "ends_with", "is_null", "is_not_null":
		return nil
	case "regex":
		if _, err := regexp.Compile(fmt.Sprintf("%v", m.Value)); err != nil {
			return fmt.Errorf("正则无效: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("不支持的操作符: %s", m.Operator)
	}
}

// fieldValue 从数据中获取字段值（支持嵌套字段）
func fieldValue(field string, data map[string]any) (any, bool) {
	if v, ok := data[field]; ok {
		return v, true
	}

	current := any(data)
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, ok := m[part]
		if !ok {
			return nil, false
		}
		current = val
	}
	return current, true
}

func compareEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareNumeric(a, b any) int {
	af, bf := toFloat64(a), toFloat64(b)
	if af < bf {
		return -1
	}
	if af > bf {
		return 1
	}
	return 0
}

func toFloat64(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0
	}
}

// numeric govaluate 的数值比较基于 float64
func numeric(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

func checkIn(value any, list any) bool {
	strValue := fmt.Sprintf("%v", value)

	switch v := list.(type) {
	case []any:
		for _, item := range v {
			if fmt.Sprintf("%v", item) == strValue {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == strValue {
				return true
			}
		}
	case string:
		// 逗号分隔
		for _, item := range strings.Split(v, ",") {
			if strings.TrimSpace(item) == strValue {
				return true
			}
		}
	}
	return false
}
