// Package classifier scores videos against a weighted contest vocabulary.
// Classification is pure: no I/O, no shared state, same input same output.
package classifier

import (
	"strings"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

// Config is the scoring model.
type Config struct {
	Keywords          []string
	TitleWeight       float64
	DescriptionWeight float64
	TagsWeight        float64
	MinimumTotalScore float64
}

// ConfigFrom combines the contest vocabulary with the weights and threshold of s.
func ConfigFrom(keywords []string, s discovery.Settings) Config {
	return Config{
		Keywords:          keywords,
		TitleWeight:       s.TitleWeight,
		DescriptionWeight: s.DescriptionWeight,
		TagsWeight:        s.TagsWeight,
		MinimumTotalScore: s.MinimumTotalScore,
	}
}

// Classifier holds a Config with its vocabulary lower-cased once.
type Classifier struct {
	cfg      Config
	keywords []string
}

// New prepares a Classifier. Blank keywords are ignored.
func New(cfg Config) *Classifier {
	kws := make([]string, 0, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			kws = append(kws, kw)
		}
	}
	return &Classifier{cfg: cfg, keywords: kws}
}

// Classify scores v:
//
//	score = titleWeight*has(title) + descriptionWeight*has(description) + tagsWeight*tagFraction
//
// and marks it a contest when score >= MinimumTotalScore.
func (c *Classifier) Classify(v discovery.VideoDetails) discovery.Classification {
	b := discovery.Breakdown{
		Title:       c.cfg.TitleWeight * indicator(c.hasKeyword(v.Title)),
		Description: c.cfg.DescriptionWeight * indicator(c.hasKeyword(v.Description)),
		Tags:        c.cfg.TagsWeight * c.tagFraction(v.Tags),
	}
	score := b.Title + b.Description + b.Tags
	return discovery.Classification{
		IsContest: score >= c.cfg.MinimumTotalScore,
		Score:     score,
		Breakdown: b,
	}
}

// Classify is a convenience for one-off scoring.
func Classify(cfg Config, v discovery.VideoDetails) discovery.Classification {
	return New(cfg).Classify(v)
}

func (c *Classifier) hasKeyword(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range c.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (c *Classifier) tagFraction(tags []string) float64 {
	if len(tags) == 0 {
		return 0
	}
	matched := 0
	for _, tag := range tags {
		if c.hasKeyword(tag) {
			matched++
		}
	}
	return float64(matched) / float64(len(tags))
}

func indicator(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
