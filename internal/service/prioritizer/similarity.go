package prioritizer

import (
	"sort"
	"strings"

	"buildpulse/internal/model"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// 参与编辑距离计算的最大字符数
const maxCompareRunes = 256

// cluster 相似片段簇
type cluster struct {
	text        string
	runes       []rune
	occurrences int
	builds      map[string]struct{}
}

// snippetCount 单个片段文本的统计
type snippetCount struct {
	text        string
	occurrences int
	builds      map[string]struct{}
}

// variants 将片段按相似度聚类，返回出现最多的若干个代表
// 先合并完全相同的文本，再按出现次数从多到少贪心归入第一个足够相似的簇
func variants(records []model.MatchRecord, threshold float64, max int) []model.SnippetVariant {
	if len(records) == 0 {
		return nil
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 1
	}

	counts := make(map[string]*snippetCount)
	for _, rec := range records {
		for _, s := range rec.Snippets {
			text := strings.TrimSpace(s.Text)
			if text == "" {
				continue
			}
			c, ok := counts[text]
			if !ok {
				c = &snippetCount{text: text, builds: make(map[string]struct{})}
				counts[text] = c
			}
			dup := s.Duplicates
			if dup <= 0 {
				dup = 1
			}
			c.occurrences += dup
			c.builds[rec.BuildID] = struct{}{}
		}
	}

	ordered := make([]*snippetCount, 0, len(counts))
	for _, c := range counts {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].occurrences != ordered[j].occurrences {
			return ordered[i].occurrences > ordered[j].occurrences
		}
		return ordered[i].text < ordered[j].text
	})

	var clusters []*cluster
	for _, c := range ordered {
		runes := compareRunes(c.text)
		var target *cluster
		if threshold < 1 {
			for _, cl := range clusters {
				if Similarity(cl.runes, runes) >= threshold {
					target = cl
					break
				}
			}
		}
		if target == nil {
			target = &cluster{text: c.text, runes: runes, builds: make(map[string]struct{})}
			clusters = append(clusters, target)
		}
		target.occurrences += c.occurrences
		for id := range c.builds {
			target.builds[id] = struct{}{}
		}
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		if clusters[i].occurrences != clusters[j].occurrences {
			return clusters[i].occurrences > clusters[j].occurrences
		}
		return clusters[i].text < clusters[j].text
	})
	if len(clusters) > max {
		clusters = clusters[:max]
	}

	out := make([]model.SnippetVariant, 0, len(clusters))
	for _, cl := range clusters {
		out = append(out, model.SnippetVariant{Text: cl.text, Occurrences: cl.occurrences, Builds: len(cl.builds)})
	}
	return out
}

// Similarity 归一化的编辑距离相似度，1 表示完全相同
func Similarity(a, b []rune) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	return levenshtein.RatioForStrings(a, b, levenshtein.DefaultOptions)
}

func compareRunes(s string) []rune {
	r := []rune(s)
	if len(r) > maxCompareRunes {
		r = r[:maxCompareRunes]
	}
	return r
}
