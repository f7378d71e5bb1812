package livetail

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// FilterConfig - Which entries are kept in the live buffer
//
// Empty lists match everything.
type FilterConfig struct {
	Questions []string `toml:"questions"`
	QTypes    []string `toml:"qtypes"`
	Statuses  []string `toml:"statuses"`
}

// Filter decides whether a parsed event is kept. Rejected events are not
// malformed; they simply never reach the buffer.
type Filter struct {
	questions *questionMatcher
	qTypes    map[uint16]struct{}
	statuses  map[string]struct{}
}

func NewFilter(config FilterConfig) (*Filter, error) {
	filter := &Filter{}
	if len(config.Questions) > 0 {
		filter.questions = newQuestionMatcher()
		for _, pattern := range config.Questions {
			if err := filter.questions.add(pattern); err != nil {
				return nil, err
			}
		}
	}
	if len(config.QTypes) > 0 {
		filter.qTypes = make(map[uint16]struct{}, len(config.QTypes))
		for _, name := range config.QTypes {
			qType, ok := dns.StringToType[strings.ToUpper(strings.TrimSpace(name))]
			if !ok {
				return nil, fmt.Errorf("Unknown query type [%s]", name)
			}
			filter.qTypes[qType] = struct{}{}
		}
	}
	if len(config.Statuses) > 0 {
		filter.statuses = make(map[string]struct{}, len(config.Statuses))
		for _, status := range config.Statuses {
			filter.statuses[strings.ToLower(strings.TrimSpace(status))] = struct{}{}
		}
	}
	return filter, nil
}

func (filter *Filter) Match(event StreamEvent) bool {
	if filter == nil {
		return true
	}
	if filter.qTypes != nil {
		qType, ok := dns.StringToType[strings.ToUpper(event.QType)]
		if !ok {
			return false
		}
		if _, found := filter.qTypes[qType]; !found {
			return false
		}
	}
	if filter.statuses != nil {
		if _, found := filter.statuses[strings.ToLower(event.Status)]; !found {
			return false
		}
	}
	if filter.questions != nil && !filter.questions.match(event.Question) {
		return false
	}
	return true
}
