package session

import "strings"

// transcript keeps the accumulated text apart from what is displayed. The
// display may be edited freely; those edits only become part of the
// accumulation when a session starts.
type transcript struct {
	accumulated string
	display     string
}

// rebase adopts the displayed text as the accumulation baseline.
func (t *transcript) rebase() {
	t.accumulated = t.display
}

// append adds one recognized fragment and returns it as appended.
func (t *transcript) append(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	fragment := " " + text
	t.accumulated += fragment
	t.display = t.accumulated
	return fragment, true
}

func (t *transcript) edit(text string) {
	t.display = text
}

func (t *transcript) text() string {
	return t.display
}
