package response

// Response represents a standard API response format
type Response struct {
	Status     string      `json:"status"`         // "success" or "error"
	StatusCode int         `json:"status_code"`    // HTTP status code
	Code       string      `json:"code,omitempty"` // stable machine-readable error code
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Field      string      `json:"field,omitempty"` // offending input field for validation errors
	Meta       *Meta       `json:"meta,omitempty"`
}

// Meta describes one page of a list response
type Meta struct {
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
}

// Success returns a standard success response wrapping the data
func Success(statusCode int, data interface{}) Response {
	return Response{
		Status:     "success",
		StatusCode: statusCode,
		Data:       data,
	}
}

// Paginated returns a success response carrying one page of a list
func Paginated(statusCode int, data interface{}, total int64, page, limit int) Response {
	resp := Success(statusCode, data)
	resp.Meta = &Meta{Total: total, Page: page, Limit: limit}
	return resp
}

// Error returns a standard error response wrapping the error message
func Error(statusCode int, err string) Response {
	return Response{
		Status:     "error",
		StatusCode: statusCode,
		Error:      err,
	}
}

// Coded returns an error response with a stable code and, for validation failures, the field
func Coded(statusCode int, code, field, err string) Response {
	resp := Error(statusCode, err)
	resp.Code = code
	resp.Field = field
	return resp
}
