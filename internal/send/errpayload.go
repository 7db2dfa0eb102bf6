package send

import (
	"errors"
	"fmt"
)

// APIError is a structured error payload returned by the DingTalk open API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("dingtalk api: status %d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("dingtalk api: status %d", e.StatusCode)
}

// PermissionDenied reports whether the error is a 403-class response.
func (e *APIError) PermissionDenied() bool {
	return e.StatusCode == 403
}

// ErrorPayloadLine renders the standardized error-payload log line for op
// when err carries an upstream code/message. The second return is false
// when there is nothing structured to log.
func ErrorPayloadLine(op string, err error) (string, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code == "" {
		return "", false
	}
	return fmt.Sprintf("[DingTalk][ErrorPayload][%s] code=%s message=%s", op, apiErr.Code, apiErr.Message), true
}
