// Package domain classifies queries against institutional topic categories and expands
// them with related terms before they are embedded.
package domain

import (
	"fmt"
	"strings"
)

// Category is a named topic with representative keywords, in priority order.
type Category struct {
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// Options tunes query enhancement.
type Options struct {
	// TermsPerCategory is the number of leading keywords taken from each matching category.
	TermsPerCategory int
	// MaxEnhanceTerms caps the number of terms appended to a query.
	MaxEnhanceTerms int
}

// Classifier maps queries to categories. It is immutable after construction and safe
// for concurrent use.
type Classifier struct {
	categories   []Category
	genericTerms []string
	opts         Options
}

// NewClassifier copies categories and generic terms (lowercased) into a new classifier.
// Category names must be unique and every category needs at least one keyword.
func NewClassifier(categories []Category, genericTerms []string, opts Options) (*Classifier, error) {
	if opts.TermsPerCategory <= 0 {
		opts.TermsPerCategory = 3
	}
	if opts.MaxEnhanceTerms <= 0 {
		opts.MaxEnhanceTerms = 5
	}
	seen := make(map[string]bool, len(categories))
	cats := make([]Category, 0, len(categories))
	for _, c := range categories {
		if c.Name == "" {
			return nil, fmt.Errorf("category name cannot be empty")
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate category %q", c.Name)
		}
		seen[c.Name] = true
		kws := lowerAll(c.Keywords)
		if len(kws) == 0 {
			return nil, fmt.Errorf("category %q has no keywords", c.Name)
		}
		cats = append(cats, Category{Name: c.Name, Keywords: kws})
	}
	return &Classifier{
		categories:   cats,
		genericTerms: lowerAll(genericTerms),
		opts:         opts,
	}, nil
}

// NewDefaultClassifier returns a classifier over DefaultCategories and DefaultGenericTerms.
func NewDefaultClassifier() *Classifier {
	c, err := NewClassifier(DefaultCategories(), DefaultGenericTerms(), Options{})
	if err != nil {
		panic(err)
	}
	return c
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsRelated reports whether any category keyword or generic institutional term is a
// substring of the lowercased query.
func (c *Classifier) IsRelated(query string) bool {
	q := strings.ToLower(query)
	for _, cat := range c.categories {
		if containsAny(q, cat.Keywords) {
			return true
		}
	}
	return containsAny(q, c.genericTerms)
}

// MatchedCategories returns the categories with at least one keyword in the query, in table order.
func (c *Classifier) MatchedCategories(query string) []Category {
	q := strings.ToLower(query)
	var out []Category
	for _, cat := range c.categories {
		if containsAny(q, cat.Keywords) {
			out = append(out, cat)
		}
	}
	return out
}

// ExtractKeywords returns the full keyword list of every category that matches the query,
// even when only one of its keywords occurs. The union is de-duplicated and ordered by
// category table order, then keyword order.
func (c *Classifier) ExtractKeywords(query string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, cat := range c.MatchedCategories(query) {
		for _, kw := range cat.Keywords {
			if !seen[kw] {
				seen[kw] = true
				out = append(out, kw)
			}
		}
	}
	return out
}

// Enhance appends representative terms of the matching categories to a related query.
// Unrelated queries, and related queries matching no category, are returned unchanged.
func (c *Classifier) Enhance(query string) string {
	if !c.IsRelated(query) {
		return query
	}
	var terms []string
	seen := make(map[string]bool)
	for _, cat := range c.MatchedCategories(query) {
		n := c.opts.TermsPerCategory
		if n > len(cat.Keywords) {
			n = len(cat.Keywords)
		}
		for _, kw := range cat.Keywords[:n] {
			if !seen[kw] {
				seen[kw] = true
				terms = append(terms, kw)
			}
		}
	}
	if len(terms) > c.opts.MaxEnhanceTerms {
		terms = terms[:c.opts.MaxEnhanceTerms]
	}
	if len(terms) == 0 {
		return query
	}
	return query + " " + strings.Join(terms, " ")
}

// CategoryKeywords returns a copy of the named category's keywords.
func (c *Classifier) CategoryKeywords(name string) ([]string, bool) {
	for _, cat := range c.categories {
		if cat.Name == name {
			return append([]string(nil), cat.Keywords...), true
		}
	}
	return nil, false
}

// Categories returns a copy of the category table.
func (c *Classifier) Categories() []Category {
	out := make([]Category, len(c.categories))
	for i, cat := range c.categories {
		out[i] = Category{Name: cat.Name, Keywords: append([]string(nil), cat.Keywords...)}
	}
	return out
}

// ContainsAnyKeyword reports whether the lowercased text contains any of keywords,
// which must already be lowercase.
func ContainsAnyKeyword(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	return containsAny(strings.ToLower(text), keywords)
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
