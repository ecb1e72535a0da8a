package core

import (
	"strings"

	"github.com/dlclark/regexp2"
)

// triggerSet is the compiled form of a SamplingConfig's grammar triggers:
// an "anywhere" regex combining WORD (escaped) and PATTERN entries, a list
// of anchored PATTERN_FULL regexes, and a set of trigger token ids. It
// decides, for a lazy grammar, when the grammar should flip from inactive
// to active (spec §4.2).
type triggerSet struct {
	anywhere   *regexp2.Regexp
	full       []*regexp2.Regexp
	tokens     map[Token]bool
}

func newTriggerSet(triggers []GrammarTrigger) (*triggerSet, error) {
	ts := &triggerSet{tokens: make(map[Token]bool)}

	var anywhereParts []string
	for _, t := range triggers {
		switch t.Kind {
		case TriggerWord:
			anywhereParts = append(anywhereParts, regexp2.Escape(t.Text))
		case TriggerPattern:
			anywhereParts = append(anywhereParts, t.Text)
		case TriggerPatternFull:
			re, err := regexp2.Compile(`^(?:`+t.Text+`)$`, regexp2.None)
			if err != nil {
				return nil, err
			}
			ts.full = append(ts.full, re)
		case TriggerToken:
			ts.tokens[t.TokenID] = true
		default:
			return nil, ErrUnknownTrigger
		}
	}

	if len(anywhereParts) > 0 {
		pattern := `^[\s\S]*?(` + strings.Join(anywhereParts, "|") + `)[\s\S]*`
		re, err := regexp2.Compile(pattern, regexp2.None)
		if err != nil {
			return nil, err
		}
		ts.anywhere = re
	}

	return ts, nil
}

// matches reports whether the accumulated generated text or the most
// recently emitted token id should flip a lazy grammar to active.
func (ts *triggerSet) matches(accumulated string, lastToken Token) bool {
	if ts == nil {
		return false
	}

	if ts.tokens[lastToken] {
		return true
	}

	if ts.anywhere != nil {
		if ok, _ := ts.anywhere.MatchString(accumulated); ok {
			return true
		}
	}

	for _, re := range ts.full {
		if ok, _ := re.MatchString(accumulated); ok {
			return true
		}
	}

	return false
}
