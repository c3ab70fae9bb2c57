package zabbix

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthentication is returned when the API token is rejected.
	ErrAuthentication = errors.New("zabbix authentication failed")
	// ErrRequest covers every other failed API call.
	ErrRequest = errors.New("zabbix request failed")
	// ErrHostNotFound is returned when no host has the configured name.
	ErrHostNotFound = errors.New("host not found on zabbix server")
)

// APIError is a JSON-RPC error object returned by the Zabbix API.
type APIError struct {
	Method  string `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if e.Data != "" {
		msg = strings.TrimSpace(msg + " " + e.Data)
	}
	if e.Method == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Method, msg)
}

// Is lets errors.Is classify API errors as authentication or request failures.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthentication:
		return e.authFailure()
	case ErrRequest:
		return !e.authFailure()
	}
	return false
}

func (e *APIError) authFailure() bool {
	text := e.Message + " " + e.Data
	for _, marker := range []string{"Not authorised", "Not authorized", "Session terminated"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// IsAlreadyExists reports whether err is Zabbix refusing to create an item
// whose key is already present on the host. Zabbix uses the generic
// "Invalid params." code for this, so the message text is the only signal.
func IsAlreadyExists(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(apiErr.Data, "already exists on the host") ||
		strings.Contains(apiErr.Message, "already exists on the host")
}
