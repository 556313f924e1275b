package engine

// Error codes, exactly spec.md §7's registry. The router is the sole
// translator from *Error to the wire envelope (spec §4.6, §7).
const (
	CodeBadInput          = 10
	CodeNoEligibleDevices = 11
	CodeDeviceCompromised = 12
	CodeNotFound          = 404
	CodeInternal          = -1
)

// Error is the engine's closed sum type of failures. Every public engine
// operation returns one of these instead of raising an exception deep in
// the call stack (spec §9, "framework exception-as-control-flow").
type Error struct {
	Code    int
	Message string
	Data    any
}

func (e *Error) Error() string { return e.Message }

func badInput(msg string) *Error {
	return &Error{Code: CodeBadInput, Message: msg}
}

func notFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

func noEligibleDevices(descriptors []DeviceDescriptor) *Error {
	if descriptors == nil {
		descriptors = []DeviceDescriptor{}
	}
	return &Error{Code: CodeNoEligibleDevices, Message: "no eligible devices", Data: descriptors}
}

func deviceCompromised(d DeviceDescriptor) *Error {
	return &Error{Code: CodeDeviceCompromised, Message: "device compromised", Data: d}
}

// internalError wraps an unexpected storage/transport failure as the
// closed CodeInternal variant, logging it at ERROR with context since the
// caller only ever sees the generic wire message (spec §7).
func (e *Engine) internalError(err error) *Error {
	e.logger.Error("%v", err)
	return &Error{Code: CodeInternal, Message: "internal server error"}
}
