package tagging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"buildpulse/internal/model"
)

// ErrClassifyTimeout 单个构建分类超时
var ErrClassifyTimeout = errors.New("classification timed out")

// scanChunkBytes 不跨行的标签按此大小分块扫描，块之间检查取消
var scanChunkBytes = 256 << 10

// ClassifierOptions 分类预算
type ClassifierOptions struct {
	MaxMatchesPerTag int           // 单个标签最多统计的命中次数，<=0 不限
	MaxSnippetBytes  int           // 片段最大保存字节数，<=0 不截断
	Timeout          time.Duration // 单个构建分类超时，<=0 不限
}

// Classifier 将注册表中的标签应用到构建文本上
// Go regexp 基于 RE2，匹配时间与输入长度线性相关
type Classifier struct {
	registry *Registry
	opts     ClassifierOptions
}

// NewClassifier 创建分类器
func NewClassifier(registry *Registry, opts ClassifierOptions) *Classifier {
	return &Classifier{registry: registry, opts: opts}
}

// Registry 分类器使用的注册表
func (c *Classifier) Registry() *Registry {
	return c.registry
}

// Classify 对一个构建打标
// Console 标签扫描控制台日志，RunName 标签扫描运行名称，没有命中也是有效结果
// 超时后后台扫描在下一个分块(可跨行的标签为下一个标签)之前停止
func (c *Classifier) Classify(ctx context.Context, build *model.Build) ([]model.MatchResult, error) {
	if build == nil {
		return nil, fmt.Errorf("build is nil")
	}

	if c.opts.Timeout <= 0 {
		return c.classify(ctx, build)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	type outcome struct {
		matches []model.MatchResult
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		matches, err := c.classify(ctx, build)
		done <- outcome{matches, err}
	}()

	select {
	case out := <-done:
		return out.matches, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %s", ErrClassifyTimeout, c.opts.Timeout, build.ID)
		}
		return nil, ctx.Err()
	}
}

func (c *Classifier) classify(ctx context.Context, build *model.Build) ([]model.MatchResult, error) {
	var results []model.MatchResult
	for _, tag := range c.registry.tags {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var text string
		switch tag.Field {
		case model.FieldConsole:
			text = build.Console
		case model.FieldRunName:
			text = build.RunName
		}
		if text == "" {
			continue
		}

		result, ok, err := c.match(ctx, tag, text)
		if err != nil {
			return nil, err
		}
		if ok {
			results = append(results, result)
		}
	}
	return results, nil
}

// match 统计一个标签的非重叠命中，相同片段合并
func (c *Classifier) match(ctx context.Context, tag *Tag, text string) (model.MatchResult, bool, error) {
	limit := -1
	if c.opts.MaxMatchesPerTag > 0 {
		limit = c.opts.MaxMatchesPerTag
	}

	locs, err := findAll(ctx, tag, text, limit)
	if err != nil {
		return model.MatchResult{}, false, err
	}
	result := model.MatchResult{
		TagName:  tag.Name,
		Severity: tag.Severity,
		Field:    tag.Field,
	}

	index := make(map[string]int)
	for _, loc := range locs {
		// 空匹配不算命中
		if loc[0] == loc[1] {
			continue
		}
		result.Occurrences++

		full := text[loc[0]:loc[1]]
		if i, ok := index[full]; ok {
			result.Snippets[i].Duplicates++
			continue
		}
		index[full] = len(result.Snippets)
		result.Snippets = append(result.Snippets, model.SnippetResult{
			Text:       truncate(full, c.opts.MaxSnippetBytes),
			Start:      loc[0],
			End:        loc[1],
			Duplicates: 1,
		})
	}

	return result, result.Occurrences > 0, nil
}

// findAll 非重叠命中位置
// 不跨行的标签在行边界分块，结果与整体扫描相同
func findAll(ctx context.Context, tag *Tag, text string, limit int) ([][]int, error) {
	if !tag.lineLocal || len(text) <= scanChunkBytes {
		return tag.re.FindAllStringIndex(text, limit), nil
	}

	var locs [][]int
	for base := 0; base < len(text); {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := chunkEnd(text, base, scanChunkBytes)
		remaining := -1
		if limit >= 0 {
			remaining = limit - len(locs)
		}
		for _, loc := range tag.re.FindAllStringIndex(text[base:end], remaining) {
			locs = append(locs, []int{base + loc[0], base + loc[1]})
		}
		if limit >= 0 && len(locs) >= limit {
			break
		}
		base = end
	}
	return locs, nil
}

// chunkEnd 块结束位置，位于换行符之后
func chunkEnd(text string, base, size int) int {
	if base+size >= len(text) {
		return len(text)
	}
	if i := strings.LastIndexByte(text[base:base+size], '\n'); i >= 0 {
		return base + i + 1
	}
	if i := strings.IndexByte(text[base+size:], '\n'); i >= 0 {
		return base + size + i + 1
	}
	return len(text)
}

// truncate 按字节截断，不截断多字节字符
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// TagNames 命中的标签名
func TagNames(matches []model.MatchResult) []string {
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.TagName)
	}
	return names
}
