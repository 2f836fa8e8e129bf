package detect

import "strings"

// browserPatterns maps process-name substrings to browser identifiers.
// Matching is case-insensitive against both process name and path; the first
// matching pattern wins. Unmatched processes are ignored.
var browserPatterns = []struct {
	Pattern string
	Browser string
}{
	{"msedge", "edge"},
	{"microsoft-edge", "edge"},
	{"chromium", "chromium"},
	{"chrome", "chrome"},
	{"firefox", "firefox"},
	{"librewolf", "firefox"},
	{"safari", "safari"},
	{"opera", "opera"},
	{"brave", "brave"},
	{"vivaldi", "vivaldi"},
	{"iexplore", "ie"},
}

// PatternTable is the process-name to browser mapping used by the basic
// detector.
type PatternTable struct {
	entries []struct {
		pattern string
		browser string
	}
}

// NewPatternTable builds the builtin table plus operator extras, each in
// "pattern=browser" form.
func NewPatternTable(extras []string) *PatternTable {
	t := &PatternTable{}
	for _, e := range browserPatterns {
		t.add(e.Pattern, e.Browser)
	}
	for _, extra := range extras {
		if pattern, browser, ok := strings.Cut(extra, "="); ok {
			t.add(strings.TrimSpace(pattern), strings.TrimSpace(browser))
		}
	}
	return t
}

func (t *PatternTable) add(pattern, browser string) {
	if pattern == "" || browser == "" {
		return
	}
	t.entries = append(t.entries, struct {
		pattern string
		browser string
	}{strings.ToLower(pattern), strings.ToLower(browser)})
}

// Match returns the browser identifier for a process name/path pair, or
// false when the process is not a known browser.
func (t *PatternTable) Match(name, path string) (string, bool) {
	name = strings.ToLower(name)
	path = strings.ToLower(path)

	for _, e := range t.entries {
		if strings.Contains(name, e.pattern) || strings.Contains(path, e.pattern) {
			return e.browser, true
		}
	}
	return "", false
}
