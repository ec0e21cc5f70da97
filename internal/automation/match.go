package automation

import (
	"fmt"
	"regexp"
)

// ansiRegex matches CSI sequences, OSC sequences terminated by BEL and
// charset designations.
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][0-9A-Za-z]`)

// StripANSI removes terminal escape sequences from b.
func StripANSI(b []byte) []byte {
	return ansiRegex.ReplaceAll(b, nil)
}

// matcher evaluates a step's candidate patterns against accumulated output.
type matcher struct {
	patterns []string
	res      []*regexp.Regexp
}

func compilePatterns(patterns []string, regex bool) (*matcher, error) {
	m := &matcher{patterns: patterns}
	for i, p := range patterns {
		if p == "" {
			return nil, fmt.Errorf("pattern %d is empty", i)
		}
		expr := p
		if !regex {
			expr = regexp.QuoteMeta(p)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("pattern %d %q: %w", i, p, err)
		}
		m.res = append(m.res, re)
	}
	return m, nil
}

func (m *matcher) empty() bool {
	return len(m.res) == 0
}

// find returns the index of the pattern whose match starts earliest in buf
// and the end offset of that match. When several patterns match at the
// same position the first listed wins. idx is -1 when nothing matches.
func (m *matcher) find(buf []byte) (idx, end int) {
	idx, start := -1, -1
	for i, re := range m.res {
		loc := re.FindIndex(buf)
		if loc == nil {
			continue
		}
		if idx == -1 || loc[0] < start {
			idx, start, end = i, loc[0], loc[1]
		}
	}
	return idx, end
}
