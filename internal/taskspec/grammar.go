package taskspec

import "strings"

// ParseChecklistLine applies the checklist grammar to a single line:
//
//	item   = indent marker space+ "[" state "]" ( end | space+ text )
//	indent = ( " " | "\t" )*
//	marker = "-" | "*" | "+" | digit{1,9} ( "." | ")" )
//	state  = " " | "x" | "X"
//
// Lines that do not match exactly are not checklist items. Line and Depth
// are relative to the line alone (Line is 0, Depth comes from the indent).
func ParseChecklistLine(line string) (Item, bool) {
	item, _, ok := scanItem(strings.TrimSuffix(line, "\r"))
	return item, ok
}

// scanItem returns the parsed item and the byte offset of its state
// character.
func scanItem(line string) (Item, int, bool) {
	pos := 0
	width := 0

	for pos < len(line) && (line[pos] == ' ' || line[pos] == '\t') {
		if line[pos] == '\t' {
			width += 4
		} else {
			width++
		}
		pos++
	}

	next, ok := scanMarker(line, pos)
	if !ok {
		return Item{}, 0, false
	}
	pos = next

	spaces := 0
	for pos < len(line) && (line[pos] == ' ' || line[pos] == '\t') {
		spaces++
		pos++
	}
	if spaces == 0 {
		return Item{}, 0, false
	}

	if pos+3 > len(line) || line[pos] != '[' || line[pos+2] != ']' {
		return Item{}, 0, false
	}
	statePos := pos + 1
	var done bool
	switch line[statePos] {
	case ' ':
		done = false
	case 'x', 'X':
		done = true
	default:
		return Item{}, 0, false
	}
	pos += 3

	if pos < len(line) && line[pos] != ' ' && line[pos] != '\t' {
		return Item{}, 0, false
	}

	return Item{
		Text:  strings.TrimSpace(line[pos:]),
		Done:  done,
		Depth: width / 2,
	}, statePos, true
}

// scanMarker consumes a list marker starting at pos and returns the offset
// just past it.
func scanMarker(line string, pos int) (int, bool) {
	if pos >= len(line) {
		return 0, false
	}
	switch line[pos] {
	case '-', '*', '+':
		return pos + 1, true
	}

	digits := 0
	for pos+digits < len(line) && line[pos+digits] >= '0' && line[pos+digits] <= '9' {
		digits++
	}
	if digits == 0 || digits > 9 {
		return 0, false
	}
	end := pos + digits
	if end < len(line) && (line[end] == '.' || line[end] == ')') {
		return end + 1, true
	}
	return 0, false
}
