package validation

// ActionLookup reports whether an action name can be resolved at run time.
type ActionLookup interface {
	Has(name string) bool
}
