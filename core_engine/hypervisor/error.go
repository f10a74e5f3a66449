package hypervisor

// Error describes a construction-time assertion failure: a descriptor
// request that cannot be encoded. Encoders panic with *Error rather than
// produce a malformed table.
type Error struct {
	// The component that rejected the request.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Module + ": " + e.Message
}
