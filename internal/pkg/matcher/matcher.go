// Package matcher 构建筛选规则树
// 规则既可以是逻辑节点(and/or/not)，也可以是条件节点(field/operator/value)，
// 用于报告视图按标签、严重级别、Job 等字段筛选构建。
package matcher

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// MatchRule 定义匹配规则树
type MatchRule struct {
	// --- 逻辑节点 (Branch) ---
	And []MatchRule `json:"and,omitempty" yaml:"and,omitempty" mapstructure:"and"`
	Or  []MatchRule `json:"or,omitempty" yaml:"or,omitempty" mapstructure:"or"`
	Not *MatchRule  `json:"not,omitempty" yaml:"not,omitempty" mapstructure:"not"`

	// --- 条件节点 (Leaf) ---
	Field      string      `json:"field,omitempty" yaml:"field,omitempty" mapstructure:"field"`
	Operator   string      `json:"operator,omitempty" yaml:"operator,omitempty" mapstructure:"operator"`
	Value      interface{} `json:"value,omitempty" yaml:"value,omitempty" mapstructure:"value"`
	IgnoreCase bool        `json:"ignore_case,omitempty" yaml:"ignore_case,omitempty" mapstructure:"ignore_case"`
}

// 编译后的正则缓存，视图规则会对每个构建重复求值
var regexCache sync.Map

// Match 评估数据是否符合规则
func Match(data interface{}, rule MatchRule) (bool, error) {
	// 1. 处理逻辑节点 (Branch)
	if len(rule.And) > 0 {
		for _, subRule := range rule.And {
			matched, err := Match(data, subRule)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil // And 只要有一个不匹配，整体就不匹配
			}
		}
		return true, nil
	}

	if len(rule.Or) > 0 {
		for _, subRule := range rule.Or {
			matched, err := Match(data, subRule)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil // Or 只要有一个匹配，整体就匹配
			}
		}
		return false, nil
	}

	if rule.Not != nil {
		matched, err := Match(data, *rule.Not)
		if err != nil {
			return false, err
		}
		return !matched, nil
	}

	// 2. 处理条件节点 (Leaf)
	// 空规则匹配所有数据，类似于空过滤器
	if rule.Field == "" && rule.Operator == "" {
		return true, nil
	}

	fieldValue, exists := getFieldValue(data, rule.Field)

	if rule.Operator == "exists" {
		return exists, nil
	}

	// 字段不存在默认不匹配
	if !exists {
		return false, nil
	}

	return evaluateCondition(fieldValue, rule.Operator, rule.Value, rule.IgnoreCase)
}

// Validate 检查规则树中的操作符与正则是否有效
func Validate(rule MatchRule) error {
	for _, sub := range rule.And {
		if err := Validate(sub); err != nil {
			return err
		}
	}
	for _, sub := range rule.Or {
		if err := Validate(sub); err != nil {
			return err
		}
	}
	if rule.Not != nil {
		if err := Validate(*rule.Not); err != nil {
			return err
		}
	}
	if rule.Field == "" && rule.Operator == "" {
		return nil
	}
	if rule.Field == "" {
		return fmt.Errorf("operator %q has no field", rule.Operator)
	}
	switch rule.Operator {
	case "equals", "not_equals", "contains", "not_contains", "starts_with", "ends_with",
		"like", "in", "not_in", "list_contains", "exists",
		"greater_than", "less_than", "greater_than_or_equal", "less_than_or_equal":
		return nil
	case "regex", "list_regex":
		pattern, ok := rule.Value.(string)
		if !ok {
			return fmt.Errorf("%s pattern must be string", rule.Operator)
		}
		_, err := compile(pattern, rule.IgnoreCase)
		return err
	default:
		return fmt.Errorf("unknown operator: %s", rule.Operator)
	}
}

// ParseJSON 解析 JSON 规则字符串
func ParseJSON(jsonStr string) (MatchRule, error) {
	var rule MatchRule
	err := json.Unmarshal([]byte(jsonStr), &rule)
	return rule, err
}

// getFieldValue 获取嵌套字段值 (支持 "meta.os" 这种点号语法)
func getFieldValue(data interface{}, fieldPath string) (interface{}, bool) {
	parts := strings.Split(fieldPath, ".")
	current := data

	for _, part := range parts {
		if current == nil {
			return nil, false
		}

		val := reflect.ValueOf(current)
		switch val.Kind() {
		case reflect.Map:
			keyVal := val.MapIndex(reflect.ValueOf(part))
			if !keyVal.IsValid() {
				return nil, false
			}
			current = keyVal.Interface()
		case reflect.Struct:
			fieldVal := val.FieldByName(part)
			if !fieldVal.IsValid() {
				return nil, false
			}
			current = fieldVal.Interface()
		default:
			return nil, false
		}
	}

	return current, true
}

// evaluateCondition 评估单个条件
func evaluateCondition(actual interface{}, operator string, expected interface{}, ignoreCase bool) (bool, error) {
	actualStr := fmt.Sprintf("%v", actual)
	expectedStr := fmt.Sprintf("%v", expected)
	if ignoreCase {
		actualStr = strings.ToLower(actualStr)
		expectedStr = strings.ToLower(expectedStr)
	}

	switch operator {
	case "equals":
		return actualStr == expectedStr, nil
	case "not_equals":
		return actualStr != expectedStr, nil
	case "contains":
		return strings.Contains(actualStr, expectedStr), nil
	case "not_contains":
		return !strings.Contains(actualStr, expectedStr), nil
	case "starts_with":
		return strings.HasPrefix(actualStr, expectedStr), nil
	case "ends_with":
		return strings.HasSuffix(actualStr, expectedStr), nil
	case "regex":
		re, err := compileValue(expected, ignoreCase)
		if err != nil {
			return false, err
		}
		return re.MatchString(fmt.Sprintf("%v", actual)), nil
	case "like":
		// 简单的 SQL like 实现: % -> .*, _ -> .
		pattern, ok := expected.(string)
		if !ok {
			return false, fmt.Errorf("like pattern must be string")
		}
		regexPattern := "^" + strings.ReplaceAll(strings.ReplaceAll(regexp.QuoteMeta(pattern), "%", ".*"), "_", ".") + "$"
		re, err := compile(regexPattern, ignoreCase)
		if err != nil {
			return false, err
		}
		return re.MatchString(fmt.Sprintf("%v", actual)), nil
	case "in", "not_in":
		items, err := toStrings(expected)
		if err != nil {
			return false, fmt.Errorf("in/not_in expected value must be a list")
		}
		found := false
		for _, item := range items {
			if ignoreCase {
				item = strings.ToLower(item)
			}
			if item == actualStr {
				found = true
				break
			}
		}
		if operator == "in" {
			return found, nil
		}
		return !found, nil
	case "list_contains":
		items, err := toStrings(actual)
		if err != nil {
			return false, nil // 字段不是列表，不匹配
		}
		for _, item := range items {
			if ignoreCase {
				item = strings.ToLower(item)
			}
			if item == expectedStr {
				return true, nil
			}
		}
		return false, nil
	case "list_regex":
		re, err := compileValue(expected, ignoreCase)
		if err != nil {
			return false, err
		}
		items, err := toStrings(actual)
		if err != nil {
			return false, nil
		}
		for _, item := range items {
			if re.MatchString(item) {
				return true, nil
			}
		}
		return false, nil

	// 数值比较
	case "greater_than", "less_than", "greater_than_or_equal", "less_than_or_equal":
		return compareNumbers(actual, operator, expected)

	default:
		return false, fmt.Errorf("unknown operator: %s", operator)
	}
}

func compileValue(expected interface{}, ignoreCase bool) (*regexp.Regexp, error) {
	pattern, ok := expected.(string)
	if !ok {
		return nil, fmt.Errorf("regex pattern must be string")
	}
	return compile(pattern, ignoreCase)
}

// compile 编译并缓存正则 (RE2 引擎，线性时间)
func compile(pattern string, ignoreCase bool) (*regexp.Regexp, error) {
	if ignoreCase {
		pattern = "(?i)" + pattern
	}
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// toStrings 将切片或数组转换为字符串列表
func toStrings(v interface{}) ([]string, error) {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Slice && val.Kind() != reflect.Array {
		return nil, fmt.Errorf("not a list: %T", v)
	}
	out := make([]string, 0, val.Len())
	for i := 0; i < val.Len(); i++ {
		out = append(out, fmt.Sprintf("%v", val.Index(i).Interface()))
	}
	return out, nil
}

// compareNumbers 数值比较辅助函数
func compareNumbers(actual interface{}, op string, expected interface{}) (bool, error) {
	v1, err := toFloat64(actual)
	if err != nil {
		return false, nil // 转换失败视为不匹配 (Fail Safe)
	}
	v2, err := toFloat64(expected)
	if err != nil {
		return false, fmt.Errorf("expected value is not a number: %v", expected)
	}

	switch op {
	case "greater_than":
		return v1 > v2, nil
	case "less_than":
		return v1 < v2, nil
	case "greater_than_or_equal":
		return v1 >= v2, nil
	case "less_than_or_equal":
		return v1 <= v2, nil
	}
	return false, nil
}

func toFloat64(v interface{}) (float64, error) {
	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(val.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(val.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return val.Float(), nil
	case reflect.String:
		f, err := strconv.ParseFloat(val.String(), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse string to number: %v", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number: type=%T value=%v", v, v)
	}
}
