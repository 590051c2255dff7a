package engine

// notLoadedError signals a generation attempted before a successful load.
type notLoadedError struct{ model string }

func (e notLoadedError) Error() string { return "model not loaded: " + e.model }

// ErrNotLoaded constructs a notLoadedError.
func ErrNotLoaded(model string) error { return notLoadedError{model: model} }

// IsNotLoaded reports whether err indicates the model was not loaded.
func IsNotLoaded(err error) bool {
	_, ok := err.(notLoadedError)
	return ok
}

// invalidArgumentError signals a rejected request parameter.
type invalidArgumentError struct{ msg string }

func (e invalidArgumentError) Error() string { return e.msg }

// ErrInvalidArgument constructs an invalidArgumentError.
func ErrInvalidArgument(msg string) error { return invalidArgumentError{msg: msg} }

// IsInvalidArgument reports whether err indicates a bad request parameter.
func IsInvalidArgument(err error) bool {
	_, ok := err.(invalidArgumentError)
	return ok
}

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ model string }

func (e tooBusyError) Error() string { return "too busy: " + e.model }

// ErrTooBusy constructs a tooBusyError.
func ErrTooBusy(model string) error { return tooBusyError{model: model} }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	_, ok := err.(tooBusyError)
	return ok
}
