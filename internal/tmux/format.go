package tmux

import "strings"

// FieldSeparator delimits -F format fields. ASCII Unit Separator does not
// collide with session names or paths.
const FieldSeparator = "\x1f"

// Join builds a tmux format string with the canonical delimiter.
func Join(fields ...string) string {
	return strings.Join(fields, FieldSeparator)
}

// SplitLine splits one formatted output line into at most maxParts fields.
func SplitLine(line string, maxParts int) []string {
	if maxParts <= 0 {
		return nil
	}
	line = strings.TrimRight(line, "\r\n")
	if strings.Contains(line, FieldSeparator) {
		return strings.SplitN(line, FieldSeparator, maxParts)
	}
	// Some tmux builds escape control bytes in -p output.
	if strings.Contains(line, `\037`) {
		return strings.SplitN(line, `\037`, maxParts)
	}
	return []string{line}
}
