// Package tagging 标签注册表与分类器
package tagging

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"

	"buildpulse/internal/config"
	"buildpulse/internal/model"
)

// Tag 编译后的标签
type Tag struct {
	Name     string
	Desc     string
	Pattern  string
	Field    model.Field
	Severity model.Severity
	re       *regexp.Regexp
	// lineLocal 命中不会跨行，可以按行分块扫描
	lineLocal bool
}

// Regexp 返回编译后的正则
func (t *Tag) Regexp() *regexp.Regexp {
	return t.re
}

// Registry 标签注册表，加载后不可变，由调用方显式注入
type Registry struct {
	tags     []*Tag
	byName   map[string]*Tag
	bySource map[model.Field][]*Tag
	schema   string
}

// NewRegistry 编译并校验标签定义
// 任何正则编译失败、来源/级别无效或名称重复都会使整个加载失败，错误中列出全部问题
func NewRegistry(defs []config.TagConfig) (*Registry, error) {
	r := &Registry{
		tags:     make([]*Tag, 0, len(defs)),
		byName:   make(map[string]*Tag, len(defs)),
		bySource: make(map[model.Field][]*Tag),
	}

	var errs []error
	for i, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("tag #%d: name is required", i+1))
			continue
		}

		if prev, ok := r.byName[name]; ok {
			errs = append(errs, fmt.Errorf("tag %q: duplicate name (patterns %q and %q); merge them with alternation in one pattern",
				name, prev.Pattern, def.Pattern))
			continue
		}

		field, err := model.ParseField(def.From)
		if err != nil {
			errs = append(errs, fmt.Errorf("tag %q: %w", name, err))
			continue
		}

		severity, err := model.ParseSeverity(def.Severity)
		if err != nil {
			errs = append(errs, fmt.Errorf("tag %q: %w", name, err))
			continue
		}

		if def.Pattern == "" {
			errs = append(errs, fmt.Errorf("tag %q: pattern is required", name))
			continue
		}

		// 多行模式: ^/$ 匹配行首行尾
		re, err := regexp.Compile("(?m)" + def.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("tag %q: invalid pattern: %w", name, err))
			continue
		}

		tag := &Tag{
			Name:      name,
			Desc:      def.Desc,
			Pattern:   def.Pattern,
			Field:     field,
			Severity:  severity,
			re:        re,
			lineLocal: lineLocal(re.String()),
		}
		r.tags = append(r.tags, tag)
		r.byName[name] = tag
		r.bySource[field] = append(r.bySource[field], tag)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid tag configuration: %w", errors.Join(errs...))
	}

	r.schema = computeSchema(r.tags)
	return r, nil
}

// lineLocal 正则是否不可能匹配换行符，且不依赖文本首尾(\A、\z)
func lineLocal(pattern string) bool {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return false
	}
	return !spansLines(re)
}

func spansLines(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpAnyChar, syntax.OpBeginText, syntax.OpEndText:
		return true
	case syntax.OpLiteral:
		for _, r := range re.Rune {
			if r == '\n' {
				return true
			}
		}
	case syntax.OpCharClass:
		for i := 0; i+1 < len(re.Rune); i += 2 {
			if re.Rune[i] <= '\n' && '\n' <= re.Rune[i+1] {
				return true
			}
		}
	}
	for _, sub := range re.Sub {
		if spansLines(sub) {
			return true
		}
	}
	return false
}

// computeSchema 标签集合摘要，任一标签变化都会改变
func computeSchema(tags []*Tag) string {
	h := sha256.New()
	for _, t := range tags {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\n", t.Name, t.Pattern, t.Field, t.Severity)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Tags 全部标签(配置顺序)
func (r *Registry) Tags() []*Tag {
	out := make([]*Tag, len(r.tags))
	copy(out, r.tags)
	return out
}

// ForSource 指定文本来源适用的标签(配置顺序)
func (r *Registry) ForSource(field model.Field) []*Tag {
	return r.bySource[field]
}

// Lookup 按名称查找标签
func (r *Registry) Lookup(name string) (*Tag, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Schema 标签集合摘要
func (r *Registry) Schema() string {
	return r.schema
}

// Len 标签数量
func (r *Registry) Len() int {
	return len(r.tags)
}
