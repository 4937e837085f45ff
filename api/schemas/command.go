package schemas

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CommandType tags a Command with the operation it requests.
type CommandType string

// -- Command Names --

const (
	CmdNewSession          CommandType = "newSession"
	CmdQuit                CommandType = "quit"
	CmdStatus              CommandType = "status"
	CmdGetTimeouts         CommandType = "getTimeouts"
	CmdSetTimeouts         CommandType = "setTimeouts"
	CmdGet                 CommandType = "get"
	CmdGetCurrentURL       CommandType = "getCurrentUrl"
	CmdGoBack              CommandType = "goBack"
	CmdGoForward           CommandType = "goForward"
	CmdRefresh             CommandType = "refresh"
	CmdGetTitle            CommandType = "getTitle"
	CmdGetWindowHandle     CommandType = "getWindowHandle"
	CmdCloseWindow         CommandType = "closeWindow"
	CmdSwitchToWindow      CommandType = "switchToWindow"
	CmdGetWindowHandles    CommandType = "getWindowHandles"
	CmdNewWindow           CommandType = "newWindow"
	CmdSwitchToFrame       CommandType = "switchToFrame"
	CmdSwitchToParentFrame CommandType = "switchToParentFrame"
	CmdGetWindowRect       CommandType = "getWindowRect"
	CmdSetWindowRect       CommandType = "setWindowRect"
	CmdMaximizeWindow      CommandType = "maximizeWindow"
	CmdFindElement         CommandType = "findElement"
	CmdFindElements        CommandType = "findElements"
	CmdFindChildElement    CommandType = "findChildElement"
	CmdFindChildElements   CommandType = "findChildElements"
	CmdGetActiveElement    CommandType = "getActiveElement"
	CmdIsElementSelected   CommandType = "isElementSelected"
	CmdGetElementAttribute CommandType = "getElementAttribute"
	CmdGetElementProperty  CommandType = "getElementProperty"
	CmdGetElementCSSValue  CommandType = "getElementValueOfCssProperty"
	CmdGetElementText      CommandType = "getElementText"
	CmdGetElementTagName   CommandType = "getElementTagName"
	CmdGetElementRect      CommandType = "getElementRect"
	CmdIsElementEnabled    CommandType = "isElementEnabled"
	CmdIsElementDisplayed  CommandType = "isElementDisplayed"
	CmdElementClick        CommandType = "clickElement"
	CmdElementClear        CommandType = "clearElement"
	CmdElementSendKeys     CommandType = "sendKeysToElement"
	CmdGetPageSource       CommandType = "getPageSource"
	CmdExecuteScript       CommandType = "executeScript"
	CmdExecuteAsyncScript  CommandType = "executeAsyncScript"
	CmdGetAllCookies       CommandType = "getAllCookies"
	CmdGetNamedCookie      CommandType = "getCookie"
	CmdAddCookie           CommandType = "addCookie"
	CmdDeleteCookie        CommandType = "deleteCookie"
	CmdDeleteAllCookies    CommandType = "deleteAllCookies"
	CmdPerformActions      CommandType = "actions"
	CmdReleaseActions      CommandType = "clearActionState"
	CmdDismissAlert        CommandType = "dismissAlert"
	CmdAcceptAlert         CommandType = "acceptAlert"
	CmdGetAlertText        CommandType = "getAlertText"
	CmdSendAlertText       CommandType = "setAlertValue"
	CmdTakeScreenshot      CommandType = "screenshot"
	CmdElementScreenshot   CommandType = "elementScreenshot"
)

// Command is one parsed wire-protocol request. LocatorParams come from the
// URL path (sessionId, id, name, propertyName); Body is the decoded JSON body.
type Command struct {
	Type          CommandType       `json:"name"`
	SessionID     string            `json:"sessionId,omitempty"`
	LocatorParams map[string]string `json:"urlParameters,omitempty"`
	Body          map[string]any    `json:"parameters,omitempty"`
}

// NewCommand builds a command. The maps are copied so the returned value
// does not alias caller state.
func NewCommand(t CommandType, locator map[string]string, body map[string]any) Command {
	c := Command{Type: t, LocatorParams: map[string]string{}, Body: map[string]any{}}
	for k, v := range locator {
		c.LocatorParams[k] = v
	}
	for k, v := range body {
		c.Body[k] = v
	}
	if id, ok := c.LocatorParams["sessionId"]; ok {
		c.SessionID = id
	}
	return c
}

// ParseCommand decodes a single JSON command document.
func ParseCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	if c.Type == "" {
		return Command{}, fmt.Errorf("command has no name")
	}
	return NewCommand(c.Type, c.LocatorParams, c.Body).withSession(c.SessionID), nil
}

func (c Command) withSession(id string) Command {
	if id != "" {
		c.SessionID = id
	}
	return c
}

// Param returns a locator (path) parameter.
func (c Command) Param(name string) (string, bool) {
	v, ok := c.LocatorParams[name]
	return v, ok
}

// Has reports whether the body carries key, including an explicit null.
func (c Command) Has(key string) bool {
	_, ok := c.Body[key]
	return ok
}

// Raw returns a body value as decoded.
func (c Command) Raw(key string) (any, bool) {
	v, ok := c.Body[key]
	return v, ok
}

// String returns a string body parameter.
func (c Command) String(key string) (string, error) {
	v, ok := c.Body[key]
	if !ok {
		return "", NewError(InvalidArgument, "missing parameter %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", NewError(InvalidArgument, "parameter %q must be a string", key)
	}
	return s, nil
}

// Number returns a numeric body parameter.
func (c Command) Number(key string) (float64, error) {
	v, ok := c.Body[key]
	if !ok {
		return 0, NewError(InvalidArgument, "missing parameter %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case jsoniter.Number:
		return n.Float64()
	}
	return 0, NewError(InvalidArgument, "parameter %q must be a number", key)
}

// Bool returns a boolean body parameter.
func (c Command) Bool(key string) (bool, error) {
	v, ok := c.Body[key]
	if !ok {
		return false, NewError(InvalidArgument, "missing parameter %q", key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, NewError(InvalidArgument, "parameter %q must be a boolean", key)
	}
	return b, nil
}

// Slice returns an array body parameter.
func (c Command) Slice(key string) ([]any, error) {
	v, ok := c.Body[key]
	if !ok {
		return nil, NewError(InvalidArgument, "missing parameter %q", key)
	}
	s, ok := v.([]any)
	if !ok {
		return nil, NewError(InvalidArgument, "parameter %q must be an array", key)
	}
	return s, nil
}

// Map returns an object body parameter.
func (c Command) Map(key string) (map[string]any, error) {
	v, ok := c.Body[key]
	if !ok {
		return nil, NewError(InvalidArgument, "missing parameter %q", key)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, NewError(InvalidArgument, "parameter %q must be an object", key)
	}
	return m, nil
}

// Response is the single result of one Command.
type Response struct {
	Status    ErrorCode
	SessionID string
	Value     any
	Message   string
}

// NewSuccess builds a successful response.
func NewSuccess(sessionID string, value any) Response {
	return Response{Status: Success, SessionID: sessionID, Value: value}
}

// ErrorResponse converts err into a typed response.
func ErrorResponse(sessionID string, err error) Response {
	e := AsError(err)
	return Response{Status: e.Code, SessionID: sessionID, Message: e.Message}
}

// IsSuccess reports whether the command succeeded.
func (r Response) IsSuccess() bool { return r.Status == Success }

// MarshalJSON renders the W3C response envelope.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Status != Success {
		return json.Marshal(map[string]any{
			"value": map[string]any{
				"error":      r.Status.String(),
				"message":    r.Message,
				"stacktrace": "",
			},
		})
	}
	return json.Marshal(map[string]any{"value": r.Value})
}

// -- Shared Value Shapes --

// ElementKey is the reserved property under which element ids travel.
const ElementKey = "element-6066-11e4-a52e-4f735466cecf"

// ElementReference is the wire shape of an element handle.
type ElementReference struct {
	ID string `json:"element-6066-11e4-a52e-4f735466cecf"`
}

// ElementID extracts an element id from a decoded JSON value.
func ElementID(v any) (string, bool) {
	switch ref := v.(type) {
	case ElementReference:
		return ref.ID, true
	case *ElementReference:
		return ref.ID, ref != nil
	case map[string]any:
		id, ok := ref[ElementKey].(string)
		return id, ok
	}
	return "", false
}

// NoTimeout marks a script timeout that never expires.
const NoTimeout time.Duration = -1

// Timeouts holds the per-session wait budgets. Script may be NoTimeout.
type Timeouts struct {
	Implicit time.Duration
	Script   time.Duration
	PageLoad time.Duration
}

// DefaultTimeouts are the values a new session starts with.
var DefaultTimeouts = Timeouts{
	Implicit: 0,
	Script:   30 * time.Second,
	PageLoad: 300 * time.Second,
}

// JSON renders the timeouts in milliseconds. A disabled script timeout is
// null.
func (t Timeouts) JSON() map[string]any {
	var script any
	if t.Script >= 0 {
		script = t.Script.Milliseconds()
	}
	return map[string]any{
		"implicit": t.Implicit.Milliseconds(),
		"script":   script,
		"pageLoad": t.PageLoad.Milliseconds(),
	}
}

// Rect is a window or element rectangle in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Contains reports whether the point lies within the rectangle.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X && x < r.X+r.Width && y >= r.Y && y < r.Y+r.Height
}

// Cookie is the protocol's cookie shape.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"httpOnly"`
	Expiry   int64  `json:"expiry,omitempty"`
	SameSite string `json:"sameSite,omitempty"`
}
