package protocol

const (
	CmdPing    = "ping"
	CmdVersion = "version"

	CmdCreateWindow = "createWindow"
	CmdCloseWindow  = "closeWindow"
	CmdCloseTab     = "closeTab"
	CmdGetTabs      = "getTabs"
	CmdGetWindows   = "getWindows"
	CmdResizeWindow = "resizeWindow"
	CmdSetViewport  = "setViewport"
	CmdNavigate     = "navigate"
	CmdCanNavigate  = "canNavigate"

	CmdGetContent               = "getContent"
	CmdClick                    = "click"
	CmdType                     = "type"
	CmdPressKey                 = "pressKey"
	CmdScroll                   = "scroll"
	CmdWaitFor                  = "waitFor"
	CmdEvaluate                 = "evaluate"
	CmdGetElementInfo           = "getElementInfo"
	CmdGetPageState             = "getPageState"
	CmdGetAccessibilitySnapshot = "getAccessibilitySnapshot"

	CmdScreenshot = "screenshot"

	CmdGetConsoleLogs     = "getConsoleLogs"
	CmdGetNetworkRequests = "getNetworkRequests"

	CmdStartLoop              = "startLoop"
	CmdStopLoop               = "stopLoop"
	CmdGetLoopState           = "getLoopState"
	CmdIncrementLoopIteration = "incrementLoopIteration"

	// CmdPong answers an unsolicited ping on the automation channel. It is
	// never accepted from local clients.
	CmdPong = "pong"
)

var allowed = map[string]bool{
	CmdPing: true, CmdVersion: true,
	CmdCreateWindow: true, CmdCloseWindow: true, CmdCloseTab: true, CmdGetTabs: true,
	CmdGetWindows: true, CmdResizeWindow: true, CmdSetViewport: true, CmdNavigate: true,
	CmdCanNavigate: true,
	CmdGetContent: true, CmdClick: true, CmdType: true, CmdPressKey: true, CmdScroll: true,
	CmdWaitFor: true, CmdEvaluate: true, CmdGetElementInfo: true, CmdGetPageState: true,
	CmdGetAccessibilitySnapshot: true,
	CmdScreenshot: true,
	CmdGetConsoleLogs: true, CmdGetNetworkRequests: true,
	CmdStartLoop: true, CmdStopLoop: true, CmdGetLoopState: true, CmdIncrementLoopIteration: true,
}

var loopCommands = map[string]bool{
	CmdStartLoop: true, CmdStopLoop: true, CmdGetLoopState: true, CmdIncrementLoopIteration: true,
}

// Allowed reports whether a local client may issue command.
func Allowed(command string) bool { return allowed[command] }

// IsLoopCommand reports whether command is served locally by the gateway.
func IsLoopCommand(command string) bool { return loopCommands[command] }

// AllowedCommands returns the allow-list in no particular order.
func AllowedCommands() []string {
	out := make([]string, 0, len(allowed))
	for c := range allowed {
		out = append(out, c)
	}
	return out
}
