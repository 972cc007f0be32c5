package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Topic represents a Kafka topic
type Topic struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Config            map[string]*string
}

// Internal reports whether the topic is broker-internal.
func (t *Topic) Internal() bool {
	return strings.HasPrefix(t.Name, "__")
}

// TopicSpec records a backed-up topic and its partition count.
type TopicSpec struct {
	Name           string `json:"name"`
	PartitionCount int32  `json:"partition_count"`
}

// TopicSelector defines how to select topics
type TopicSelector struct {
	Type    SelectorType
	Pattern string

	re *regexp.Regexp
}

type SelectorType string

const (
	SelectorTypeExact SelectorType = "exact"
	SelectorTypeGlob  SelectorType = "glob"
	SelectorTypeRegex SelectorType = "regex"
)

// ParseSelector infers the selector type from a pattern. Patterns prefixed
// with "re:" or anchored with "^" are regular expressions, patterns with
// glob metacharacters are globs, anything else is an exact name.
func ParseSelector(pattern string) (TopicSelector, error) {
	switch {
	case strings.HasPrefix(pattern, "re:"):
		return newRegexSelector(strings.TrimPrefix(pattern, "re:"))
	case strings.HasPrefix(pattern, "^"):
		return newRegexSelector(pattern)
	case strings.ContainsAny(pattern, "*?[{"):
		if !doublestar.ValidatePattern(pattern) {
			return TopicSelector{}, fmt.Errorf("invalid glob pattern %q", pattern)
		}
		return TopicSelector{Type: SelectorTypeGlob, Pattern: pattern}, nil
	case pattern == "":
		return TopicSelector{}, fmt.Errorf("empty topic pattern")
	default:
		return TopicSelector{Type: SelectorTypeExact, Pattern: pattern}, nil
	}
}

func newRegexSelector(expr string) (TopicSelector, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return TopicSelector{}, fmt.Errorf("invalid topic regex %q: %w", expr, err)
	}
	return TopicSelector{Type: SelectorTypeRegex, Pattern: expr, re: re}, nil
}

// Matches checks if a topic name matches the selector
func (s *TopicSelector) Matches(topicName string) bool {
	switch s.Type {
	case SelectorTypeExact:
		return s.Pattern == topicName
	case SelectorTypeGlob:
		ok, err := doublestar.Match(s.Pattern, topicName)
		return err == nil && ok
	case SelectorTypeRegex:
		if s.re == nil {
			re, err := regexp.Compile(s.Pattern)
			if err != nil {
				return false
			}
			s.re = re
		}
		return s.re.MatchString(topicName)
	default:
		return false
	}
}

// TopicFilter selects topics by include and exclude selectors. An empty
// include list selects every non-internal topic.
type TopicFilter struct {
	Include []TopicSelector
	Exclude []TopicSelector
}

// NewTopicFilter parses include and exclude patterns.
func NewTopicFilter(include, exclude []string) (TopicFilter, error) {
	var f TopicFilter
	for _, p := range include {
		s, err := ParseSelector(p)
		if err != nil {
			return TopicFilter{}, err
		}
		f.Include = append(f.Include, s)
	}
	for _, p := range exclude {
		s, err := ParseSelector(p)
		if err != nil {
			return TopicFilter{}, err
		}
		f.Exclude = append(f.Exclude, s)
	}
	return f, nil
}

// Matches reports whether the topic passes the filter.
func (f *TopicFilter) Matches(name string) bool {
	for i := range f.Exclude {
		if f.Exclude[i].Matches(name) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return !strings.HasPrefix(name, "__")
	}
	for i := range f.Include {
		if f.Include[i].Matches(name) {
			return true
		}
	}
	return false
}

// Select returns the matching topics sorted by name.
func (f *TopicFilter) Select(topics []*Topic) []*Topic {
	var matched []*Topic
	for _, topic := range topics {
		if f.Matches(topic.Name) {
			matched = append(matched, topic)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return matched
}
