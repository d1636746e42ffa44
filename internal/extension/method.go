package extension

import "strings"

// Method is an extension-to-host request method. The set is closed:
// anything not listed here is answered with method not found.
type Method string

// Inbound request methods.
const (
	MethodGetMessage   Method = "editor/getMessage"
	MethodSetMessage   Method = "editor/setMessage"
	MethodPatchMessage Method = "editor/patchMessage"
	MethodShowMessage  Method = "ui/showMessage"
	MethodShowConfirm  Method = "ui/showConfirm"
	MethodOpenFile     Method = "ui/openFile"
	MethodOpenWindow   Method = "ui/openWindow"
	MethodCloseWindow  Method = "ui/closeWindow"
)

// Host-to-extension methods.
const (
	methodInitialize   = "initialize"
	methodShutdown     = "shutdown"
	methodExit         = "exit"
	methodCommand      = "command/execute"
	methodLog          = "log"
	MethodWindowClosed = "window/closed"
)

var methods = map[Method]struct{}{
	MethodGetMessage:   {},
	MethodSetMessage:   {},
	MethodPatchMessage: {},
	MethodShowMessage:  {},
	MethodShowConfirm:  {},
	MethodOpenFile:     {},
	MethodOpenWindow:   {},
	MethodCloseWindow:  {},
}

// ParseMethod returns the Method named s.
func ParseMethod(s string) (Method, bool) {
	m := Method(s)
	_, ok := methods[m]
	return m, ok
}

// Group returns the namespace of the method ("editor" or "ui").
func (m Method) Group() string {
	group, _, _ := strings.Cut(string(m), "/")
	return group
}

// Method groups.
const (
	GroupEditor = "editor"
	GroupUI     = "ui"
)
