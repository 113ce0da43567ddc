package bithumb

import (
	"errors"
	"strings"

	"bithumb-gridbot/internal/core"
)

// APIError is a well-formed response whose status is not the success sentinel.
type APIError struct {
	Status  string
	Message string
}

func (e APIError) Error() string {
	return "bithumb api error " + e.Status + ": " + e.Message
}

func (e APIError) Is(target error) bool {
	return target == core.ErrBusiness
}

var apiErrorMessageKinds = map[string]error{
	"거래 진행중인 내역이 존재하지 않습니다.":  core.ErrOrderNotFound,
	"주문 번호가 존재하지 않습니다.":       core.ErrOrderNotFound,
	"order does not exist.":   core.ErrOrderNotFound,
	"주문량이 사용가능 krw을 초과하였습니다.": core.ErrInsufficientBalance,
	"insufficient balance.":   core.ErrInsufficientBalance,
}

var noPendingMarkers = []string{
	"no pending",
	"존재하지 않습니다",
}

func classifyAPIError(apiErr APIError) error {
	kind, ok := apiErrorMessageKinds[normalizeAPIErrorMsg(apiErr.Message)]
	if !ok {
		return apiErr
	}
	return errors.Join(apiErr, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

// IsNoPending reports the soft "no pending transactions" failure that list
// endpoints return instead of an empty array.
func IsNoPending(err error) bool {
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Status != statusNoPending {
		return false
	}
	msg := normalizeAPIErrorMsg(apiErr.Message)
	for _, marker := range noPendingMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Classification names a response outcome for logs and metrics.
func Classification(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, core.ErrMalformedStatus):
		return "malformed"
	case errors.Is(err, core.ErrBusiness):
		return "business"
	case errors.Is(err, core.ErrValidation):
		return "validation"
	default:
		return "transport"
	}
}
