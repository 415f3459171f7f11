package openai

// Error types used across the API surface.
const (
	ErrTypeAuthentication = "authentication_error"
	ErrTypeRateLimit      = "rate_limit_error"
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeServer         = "server_error"
)

// Error codes paired with the types above.
const (
	ErrCodeMissingAPIKey     = "missing_api_key"
	ErrCodeInvalidAPIKey     = "invalid_api_key"
	ErrCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrCodeModelNotFound     = "model_not_found"
	ErrCodeInvalidMessages   = "invalid_messages"
	ErrCodeInvalidJSON       = "invalid_json"
	ErrCodeInternalError     = "internal_error"
	ErrCodeGenerationError   = "generation_error"
)

// ErrorResponse is the envelope returned for every API error.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the message plus machine-readable type and code.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewError builds an ErrorResponse envelope.
func NewError(message, errType, code string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType, Code: code}}
}
