package schemas

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine-checkable failure class carried by every Response.
type ErrorCode int

const (
	Success ErrorCode = iota
	NoSuchWindow
	NoSuchElement
	StaleElement
	NoSuchDriver
	ElementNotDisplayed
	ElementNotEnabled
	ElementClickPointNotScrollable
	ElementNotInteractable
	InvalidSelector
	UnexpectedAlertOpen
	ModalDialogOpened
	NoSuchAlert
	NoSuchFrame
	NoSuchCookie
	UnableToSetCookie
	UnableToCaptureScreen
	ScriptTimeout
	UnexpectedJavaScriptError
	UnknownScriptResult
	MoveTargetOutOfBounds
	InvalidArgument
	Timeout
	SessionNotCreated
	NotImplemented
	UnhandledError
)

type codeInfo struct {
	name   string
	status int
}

// codeTable maps each code to the W3C error string and HTTP status.
var codeTable = map[ErrorCode]codeInfo{
	Success:                        {"success", http.StatusOK},
	NoSuchWindow:                   {"no such window", http.StatusNotFound},
	NoSuchElement:                  {"no such element", http.StatusNotFound},
	StaleElement:                   {"stale element reference", http.StatusNotFound},
	NoSuchDriver:                   {"invalid session id", http.StatusNotFound},
	ElementNotDisplayed:            {"element not interactable", http.StatusBadRequest},
	ElementNotEnabled:              {"invalid element state", http.StatusBadRequest},
	ElementClickPointNotScrollable: {"element click intercepted", http.StatusBadRequest},
	ElementNotInteractable:         {"element not interactable", http.StatusBadRequest},
	InvalidSelector:                {"invalid selector", http.StatusBadRequest},
	UnexpectedAlertOpen:            {"unexpected alert open", http.StatusInternalServerError},
	ModalDialogOpened:              {"unexpected alert open", http.StatusInternalServerError},
	NoSuchAlert:                    {"no such alert", http.StatusNotFound},
	NoSuchFrame:                    {"no such frame", http.StatusNotFound},
	NoSuchCookie:                   {"no such cookie", http.StatusNotFound},
	UnableToSetCookie:              {"unable to set cookie", http.StatusInternalServerError},
	UnableToCaptureScreen:          {"unable to capture screen", http.StatusInternalServerError},
	ScriptTimeout:                  {"script timeout", http.StatusInternalServerError},
	UnexpectedJavaScriptError:      {"javascript error", http.StatusInternalServerError},
	UnknownScriptResult:            {"javascript error", http.StatusInternalServerError},
	MoveTargetOutOfBounds:          {"move target out of bounds", http.StatusInternalServerError},
	InvalidArgument:                {"invalid argument", http.StatusBadRequest},
	Timeout:                        {"timeout", http.StatusInternalServerError},
	SessionNotCreated:              {"session not created", http.StatusInternalServerError},
	NotImplemented:                 {"unknown command", http.StatusNotFound},
	UnhandledError:                 {"unknown error", http.StatusInternalServerError},
}

// String returns the wire-protocol error string.
func (c ErrorCode) String() string {
	if info, ok := codeTable[c]; ok {
		return info.name
	}
	return codeTable[UnhandledError].name
}

// HTTPStatus returns the status code the transport should answer with.
func (c ErrorCode) HTTPStatus() int {
	if info, ok := codeTable[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Error is the typed failure produced at the handler boundary.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

// NewError builds a typed error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying error. The cause's text is
// appended to msg unless msg is empty, in which case it becomes the message.
func WrapError(code ErrorCode, err error, msg string) *Error {
	m := msg
	switch {
	case err == nil:
	case m == "":
		m = err.Error()
	default:
		m = m + ": " + err.Error()
	}
	return &Error{Code: code, Message: m, cause: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// AsError converts any error into the taxonomy. Errors that are not already
// typed become UnhandledError.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	return WrapError(UnhandledError, err, "")
}

// CodeOf returns the code of err, Success for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	return AsError(err).Code
}
