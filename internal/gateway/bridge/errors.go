package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"topup-ladder/internal/core"
)

var ErrUnauthorized = errors.New("bridge rejected token")

var apiErrorMessageKinds = map[string]error{
	"order not found":  core.ErrOrderNotFound,
	"unknown order":    core.ErrOrderNotFound,
	"invalid ticket":   core.ErrOrderNotFound,
	"symbol not found": core.ErrSymbolUnavailable,
	"unknown symbol":   core.ErrSymbolUnavailable,
}

func parseAPIError(status int, body []byte) error {
	var raw apiError
	apiErr := APIError{Status: status}
	if err := json.Unmarshal(body, &raw); err == nil && (raw.Error != "" || raw.RetCode != 0) {
		apiErr.Code = core.RetCode(raw.RetCode)
		apiErr.Msg = raw.Error
	} else {
		apiErr.Msg = strings.TrimSpace(string(body))
	}
	return classifyAPIError(apiErr)
}

func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	errChain := make([]error, 0, 1+len(kinds))
	errChain = append(errChain, apiErr)
	errChain = append(errChain, kinds...)
	return errors.Join(errChain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	switch apiErr.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kinds = appendErrorKind(kinds, ErrUnauthorized)
	}
	if kind, ok := apiErrorMessageKinds[normalizeAPIErrorMsg(apiErr.Msg)]; ok {
		kinds = appendErrorKind(kinds, kind)
	}
	return kinds
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
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

// executionError turns a failed order request into a *core.ExecutionError,
// keeping any classified kinds reachable through errors.Is.
func executionError(op core.ExecOp, orderID string, err error) error {
	if err == nil {
		return nil
	}
	var execErr *core.ExecutionError
	if errors.As(err, &execErr) {
		return err
	}
	apiErr, ok := AsAPIError(err)
	if !ok {
		return errors.Join(&core.ExecutionError{Op: op, Code: core.RetCodeConnection, Msg: err.Error(), OrderID: orderID}, err)
	}
	code := apiErr.Code
	if code == core.RetCodeNone {
		code = core.RetCodeError
	}
	chain := []error{&core.ExecutionError{Op: op, Code: code, Msg: apiErr.Msg, OrderID: orderID}}
	chain = append(chain, classifyAPIErrorKinds(apiErr)...)
	if op == core.OpCancel && apiErr.Status == http.StatusNotFound {
		chain = appendErrorKind(chain, core.ErrOrderNotFound)
	}
	return errors.Join(chain...)
}
