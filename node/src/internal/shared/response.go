package shared

// Response is the JSON envelope of every API reply.
type Response struct {
	Status    string     `json:"status"` // "ok" or "error"
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// OK wraps data in a successful envelope.
func OK(data any, requestID string) Response {
	return Response{Status: "ok", Data: data, RequestID: requestID}
}

// Failure builds an error envelope.
func Failure(errType, message, requestID string) Response {
	return Response{Status: "error", Error: &ErrorBody{Type: errType, Message: message}, RequestID: requestID}
}
