package devicetree

// PropertyNotFoundError is returned when a requested property or node path
// does not exist in the tree.
type PropertyNotFoundError struct {
	Name string
}

func (e *PropertyNotFoundError) Error() string {
	return "devicetree: property \"" + e.Name + "\" not found"
}

// UnexpectedValueError is returned when a property was found and had the
// expected type, but its value failed some further validation (e.g. an
// interrupt controller's compatible string not matching a known device).
type UnexpectedValueError struct {
	Name   string
	Reason string
}

func (e *UnexpectedValueError) Error() string {
	return "devicetree: property \"" + e.Name + "\" has unexpected value: " + e.Reason
}
