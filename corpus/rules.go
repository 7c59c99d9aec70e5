package corpus

import "alma.local/evofuzz/feedback"

// Rule inspects every committed result for protocol-level findings that
// coverage alone does not reveal. Matching results are written to the rule's
// category.
type Rule interface {
	Name() string
	Category() Category
	// Check reports whether r is a finding and why.
	Check(r feedback.Result) (reason string, ok bool)
}
