package taskspec

import "fmt"

// Verdict is the completion oracle's answer for a checklist.
type Verdict struct {
	Total int `json:"total"`
	Done  int `json:"done"`
}

// Complete reports whether every item is checked. An empty checklist is
// never complete, so a malformed task file cannot end a run by accident.
func (v Verdict) Complete() bool {
	return v.Total > 0 && v.Done == v.Total
}

// Remaining returns the number of unchecked items.
func (v Verdict) Remaining() int {
	return v.Total - v.Done
}

// Empty reports whether the checklist had no items at all.
func (v Verdict) Empty() bool {
	return v.Total == 0
}

// String renders the verdict as COMPLETE or INCOMPLETE:<remaining>.
func (v Verdict) String() string {
	if v.Complete() {
		return "COMPLETE"
	}
	return fmt.Sprintf("INCOMPLETE:%d", v.Remaining())
}

// Oracle evaluates the current task document on demand. The controller asks
// it after every agent run because the agent edits the document.
type Oracle interface {
	Evaluate() (Verdict, error)
}

// DocumentOracle judges the whole checklist of the document at Path.
type DocumentOracle struct {
	Path string
}

// Evaluate re-reads the document and counts its checklist.
func (o DocumentOracle) Evaluate() (Verdict, error) {
	spec, err := ParseFile(o.Path)
	if err != nil {
		return Verdict{}, err
	}
	return spec.Oracle(), nil
}

// ItemOracle judges a single checklist item of the document at Path. It is
// used by parallel units that each own one item. A missing item counts as
// unchecked.
type ItemOracle struct {
	Path string
	Item string
	// Occurrence selects among items with the same text; see Spec.FindNth.
	Occurrence int
}

// Evaluate re-reads the document and checks the focused item.
func (o ItemOracle) Evaluate() (Verdict, error) {
	spec, err := ParseFile(o.Path)
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{Total: 1}
	if item, ok := spec.FindNth(o.Item, o.Occurrence); ok && item.Done {
		v.Done = 1
	}
	return v, nil
}
