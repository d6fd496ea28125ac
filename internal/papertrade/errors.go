package papertrade

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrorKind classifies backend failures so callers can tell retryable
// transport problems from terminal rejections.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota + 1
	KindValidation
	KindAuthorization
	KindNotFound
	KindServer
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindServer:
		return "server"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// APIError is returned for every failed backend call.
type APIError struct {
	Kind   ErrorKind
	Status int    // HTTP status, 0 for network failures
	Detail string // user-facing message
	Body   string
	Err    error
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("paper api error %d", e.Status)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transport or server-side failure.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Kind == KindNetwork || apiErr.Kind == KindServer
}

// KindOf returns the error kind, or 0 when err is not an *APIError.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return 0
}

// DetailOf extracts the display string for err.
func DetailOf(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	return err.Error()
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthorization
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 500:
		return KindServer
	default:
		return KindValidation
	}
}

func newStatusError(status int, body []byte) *APIError {
	return &APIError{
		Kind:   kindForStatus(status),
		Status: status,
		Detail: extractDetail(status, body),
		Body:   string(body),
	}
}

// extractDetail pulls a message out of a DRF-style error body:
// {"detail": "..."}, {"field": ["msg"]} or {"non_field_errors": ["msg"]}.
func extractDetail(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if d := parsed.Get("detail"); d.Exists() && d.String() != "" {
			return d.String()
		}
		if nf := parsed.Get("non_field_errors.0"); nf.Exists() {
			return nf.String()
		}
		if parsed.IsObject() {
			var msg string
			parsed.ForEach(func(key, value gjson.Result) bool {
				switch {
				case value.IsArray() && len(value.Array()) > 0:
					msg = key.String() + ": " + value.Array()[0].String()
				case value.Type == gjson.String:
					msg = key.String() + ": " + value.String()
				default:
					return true
				}
				return false
			})
			if msg != "" {
				return msg
			}
		}
	}

	text := truncateRunes(strings.TrimSpace(string(body)), 200)
	if text == "" {
		return fmt.Sprintf("paper api error %d", status)
	}
	return fmt.Sprintf("paper api error %d: %s", status, text)
}

// truncateRunes cuts s to at most n runes without splitting one.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
