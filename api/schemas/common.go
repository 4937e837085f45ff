package schemas

// -- Common Schemas --

// KeyModifier represents keyboard modifiers (Ctrl, Alt, Shift, Meta).
// These values correspond directly to the CDP input.DispatchKeyEvent modifiers bitfield.
type KeyModifier int

const (
	ModNone  KeyModifier = 0
	ModAlt   KeyModifier = 1 // Corresponds to CDP modifier 1
	ModCtrl  KeyModifier = 2 // Corresponds to CDP modifier 2
	ModMeta  KeyModifier = 4 // Corresponds to CDP modifier 4
	ModShift KeyModifier = 8 // Corresponds to CDP modifier 8
)

// MouseButton identifies a pointer button.
type MouseButton int

const (
	ButtonLeft   MouseButton = 0
	ButtonMiddle MouseButton = 1
	ButtonRight  MouseButton = 2
)

// String returns the DOM name of the button.
func (b MouseButton) String() string {
	switch b {
	case ButtonLeft:
		return "left"
	case ButtonMiddle:
		return "middle"
	case ButtonRight:
		return "right"
	}
	return "none"
}

// UnexpectedAlertBehavior is the policy applied to a dialog that blocks a command.
type UnexpectedAlertBehavior string

const (
	AlertAccept           UnexpectedAlertBehavior = "accept"
	AlertDismiss          UnexpectedAlertBehavior = "dismiss"
	AlertIgnore           UnexpectedAlertBehavior = "ignore"
	AlertAcceptAndNotify  UnexpectedAlertBehavior = "accept and notify"
	AlertDismissAndNotify UnexpectedAlertBehavior = "dismiss and notify"
)

// Valid reports whether b is a known policy.
func (b UnexpectedAlertBehavior) Valid() bool {
	switch b {
	case AlertAccept, AlertDismiss, AlertIgnore, AlertAcceptAndNotify, AlertDismissAndNotify:
		return true
	}
	return false
}
