package parallel

import (
	"fmt"
	"strings"
	"unicode"
)

// defaultBranchPrefix is used when no branch prefix is configured.
const defaultBranchPrefix = "ralph"

// Naming generates branch names for one parallel run.
type Naming struct {
	prefix string
	runID  string
}

// NewNaming creates a Naming for runID. An empty prefix uses "ralph".
func NewNaming(prefix, runID string) Naming {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = defaultBranchPrefix
	}
	return Naming{prefix: prefix, runID: runID}
}

// UnitBranch names the branch of unit n.
// Example: "ralph/abc12345-unit-2-add-retry-logic"
func (n Naming) UnitBranch(index int, item string) string {
	name := fmt.Sprintf("%s/%s-unit-%d", n.prefix, n.shortID(), index)
	if slug := Slugify(item); slug != "" {
		name += "-" + slug
	}
	return name
}

// IntegrationBranch names the branch unit branches are merged into.
// Example: "ralph/abc12345-integration"
func (n Naming) IntegrationBranch() string {
	return fmt.Sprintf("%s/%s-integration", n.prefix, n.shortID())
}

// UnitPrefix is the common prefix of every unit branch of the run.
func (n Naming) UnitPrefix() string {
	return fmt.Sprintf("%s/%s-unit-", n.prefix, n.shortID())
}

func (n Naming) shortID() string {
	if len(n.runID) > 8 {
		return n.runID[:8]
	}
	return n.runID
}

// Slugify lowercases text, turns runs of other characters into single
// dashes and limits the result to 30 characters.
func Slugify(text string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(text) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	s := b.String()
	if len(s) > 30 {
		s = s[:30]
	}
	return strings.TrimRight(s, "-")
}
