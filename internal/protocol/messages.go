package protocol

import "encoding/json"

// Request is one line sent by a local client over the command socket.
type Request struct {
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	AuthToken string          `json:"authToken"`
}

// Response is one line written back to a local client.
type Response struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

func OK(result any) Response { return Response{Success: true, Result: result} }

func Fail(msg string) Response { return Response{Success: false, Error: msg} }

const (
	FrameCommand  = "command"
	FrameResponse = "response"
)

// Envelope is the automation channel frame. Outbound commands carry ID, Type,
// Command and Params. Responses carry ID, Success, Result and Error.
// Unsolicited frames (pings) carry a Command and no ID.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Command string          `json:"command,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// IsResponse reports whether the frame answers a correlated request.
func (e *Envelope) IsResponse() bool {
	return e.ID != "" && (e.Type == FrameResponse || e.Command == "")
}

// IsUnsolicited reports whether the frame is a channel-initiated message.
func (e *Envelope) IsUnsolicited() bool {
	return e.ID == "" && e.Command != ""
}

// CommandFrame builds an outbound command frame.
func CommandFrame(id, command string, params json.RawMessage) Envelope {
	return Envelope{ID: id, Type: FrameCommand, Command: command, Params: params}
}

// ResultFrame builds a response frame for the given correlation id.
func ResultFrame(id string, result json.RawMessage) Envelope {
	return Envelope{ID: id, Type: FrameResponse, Success: true, Result: result}
}

// ErrorFrame builds a failed response frame.
func ErrorFrame(id, code, msg string) Envelope {
	return Envelope{ID: id, Type: FrameResponse, Success: false, Error: msg, Code: code}
}
