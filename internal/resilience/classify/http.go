package classify

// StatusCoder is implemented by errors that carry an HTTP status code.
// Fetch collaborators expose it instead of leaking transport types
// into the engine.
type StatusCoder interface {
	HTTPStatusCode() int
}

func fromHTTPStatus(status int) (Kind, int) {
	switch {
	case status >= 500 && status <= 599:
		return KindServerUnavailable, status
	case status >= 400 && status <= 499:
		return KindClientRejected, status
	case status == 0:
		return KindNetwork, 0
	default:
		return KindUnknown, status
	}
}
