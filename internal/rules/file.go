package rules

import (
	"context"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// StaticSource serves fixed lists.
type StaticSource struct {
	PatternList []Pattern
	RuleList    []Rule
}

func (s *StaticSource) LoadPatterns(context.Context) ([]Pattern, error) {
	return append([]Pattern(nil), s.PatternList...), nil
}

func (s *StaticSource) LoadRules(context.Context) ([]Rule, error) {
	return append([]Rule(nil), s.RuleList...), nil
}

// fileDocument is the on-disk layout of a rules file:
//
//	[[patterns]]
//	id = 1
//	priority = 100
//	kind = "regex"
//	value = ".*"
//
//	[[rules]]
//	pattern = 1
//	type = "max_connections"
//	value = "2"
type fileDocument struct {
	Patterns []filePattern `toml:"patterns"`
	Rules    []fileRule    `toml:"rules"`
}

type filePattern struct {
	ID       int    `toml:"id"`
	Priority int    `toml:"priority"`
	Name     string `toml:"name"`
	Kind     string `toml:"kind"`
	Value    string `toml:"value"`
	Identity *int   `toml:"identity"`
}

type fileRule struct {
	Pattern int    `toml:"pattern"`
	Type    string `toml:"type"`
	Value   string `toml:"value"`
}

// FileSource reads patterns and rules from a TOML file. The file is read on
// every load so an Invalidate picks up edits.
type FileSource struct {
	Path string
}

func (s *FileSource) read() (*fileDocument, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var doc fileDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", s.Path, err)
	}
	return &doc, nil
}

func (s *FileSource) LoadPatterns(context.Context) ([]Pattern, error) {
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	patterns := make([]Pattern, 0, len(doc.Patterns))
	for _, fp := range doc.Patterns {
		kind, err := ParsePatternKind(fp.Kind)
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", fp.ID, err)
		}
		patterns = append(patterns, Pattern{
			ID:         fp.ID,
			Priority:   fp.Priority,
			Name:       fp.Name,
			Kind:       kind,
			Value:      fp.Value,
			IdentityID: fp.Identity,
		})
	}
	return patterns, nil
}

func (s *FileSource) LoadRules(context.Context) ([]Rule, error) {
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	rules := make([]Rule, 0, len(doc.Rules))
	for _, fr := range doc.Rules {
		typ, err := ParseRuleType(fr.Type)
		if err != nil {
			return nil, fmt.Errorf("rule for pattern %d: %w", fr.Pattern, err)
		}
		rules = append(rules, Rule{PatternID: fr.Pattern, Type: typ, Value: fr.Value})
	}
	return rules, nil
}
