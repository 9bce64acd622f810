package mirror

import "strings"

// outputFilter screens remote output before it is streamed back to a
// client: clone boilerplate is dropped and everything following a fatal
// marker is suppressed, the marker line itself is the last one through.
type outputFilter struct {
	cb       func(string)
	silenced bool
}

func newOutputFilter(cb func(string)) *outputFilter {
	return &outputFilter{cb: cb}
}

func (f *outputFilter) line(l string) {
	if f.cb == nil || f.silenced {
		return
	}
	switch {
	case isBoilerplate(l):
	case isFatalMarker(l):
		f.cb(l)
		f.silenced = true
	default:
		f.cb(l)
	}
}

// filterCloneOutput applies the streaming filter rules to a whole captured
// buffer, used for error details.
func filterCloneOutput(out string) string {
	var kept []string
	for _, l := range splitLines(out) {
		if isBoilerplate(l) {
			continue
		}
		kept = append(kept, l)
		if isFatalMarker(l) {
			break
		}
	}
	return strings.Join(kept, "\n")
}

// collapseOutput deduplicates progress lines for the single summary log
// entry, keeping first occurrences in order.
func collapseOutput(out string) string {
	seen := map[string]bool{}
	var kept []string
	for _, l := range splitLines(out) {
		if seen[l] {
			continue
		}
		seen[l] = true
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

// splitLines splits captured output on newlines and carriage returns so
// progress updates count as individual lines, dropping empties.
func splitLines(out string) []string {
	var lines []string
	for _, l := range strings.FieldsFunc(out, func(r rune) bool { return r == '\n' || r == '\r' }) {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

func isBoilerplate(l string) bool {
	return strings.HasPrefix(remoteStripped(l), "Cloning into")
}

func isFatalMarker(l string) bool {
	return strings.HasPrefix(remoteStripped(l), "fatal:")
}

// remoteStripped removes the 'remote: ' prefix git adds to sideband
// messages so markers match wherever they originate.
func remoteStripped(l string) string {
	return strings.TrimPrefix(strings.TrimSpace(l), "remote: ")
}
