// Package message defines the contract exchanged between the controller, the
// page agents and the viewers, and the asynchronous bus that carries it.
package message

// TabID addresses one endpoint on the bus: a host tab (CDP target ID), a
// viewer session, or the controller itself.
type TabID string

// ControllerID is the well-known address of the controller.
const ControllerID TabID = "controller"

// Kind names a message type.
type Kind string

// Message kinds.
const (
	KindEnablePreview      Kind = "ENABLE_PREVIEW"
	KindRequestScaleChange Kind = "REQUEST_SCALE_CHANGE"
	KindChangeScale        Kind = "CHANGE_SCALE"
	KindGetContext         Kind = "GET_CONTEXT"
	KindNewScaleResult     Kind = "NEW_SCALE_RESULT"
	KindScaleChangeFailed  Kind = "SCALE_CHANGE_FAILED"
)

// Message is the envelope for every request. Fields not used by a kind are
// left zero; a zero Scale on ENABLE_PREVIEW means "not provided".
type Message struct {
	Kind        Kind   `json:"kind"`
	Scale       int    `json:"scale,omitempty"`
	OriginTabID TabID  `json:"originTabId,omitempty"`
	URL         string `json:"url,omitempty"`
	Error       string `json:"error,omitempty"`
}

// PageContext is the page-local context a page agent reports.
type PageContext struct {
	PageID string `json:"pageId"`
}

// Response answers a Message.
type Response struct {
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	Context *PageContext `json:"context,omitempty"`
}

// EnablePreview builds an arm request. A zero scale is omitted.
func EnablePreview(scale int) Message {
	return Message{Kind: KindEnablePreview, Scale: scale}
}

// RequestScaleChange builds a viewer-to-controller scale request.
func RequestScaleChange(scale int, origin TabID) Message {
	return Message{Kind: KindRequestScaleChange, Scale: scale, OriginTabID: origin}
}

// ChangeScale builds a controller-to-page-agent instruction.
func ChangeScale(scale int) Message {
	return Message{Kind: KindChangeScale, Scale: scale}
}

// GetContext builds a context query.
func GetContext() Message {
	return Message{Kind: KindGetContext}
}

// NewScaleResult builds a controller-to-viewer push.
func NewScaleResult(scale int, url string) Message {
	return Message{Kind: KindNewScaleResult, Scale: scale, URL: url}
}

// ScaleChangeFailed tells a viewer that the scale it asked for will not
// arrive.
func ScaleChangeFailed(scale int, reason string) Message {
	return Message{Kind: KindScaleChangeFailed, Scale: scale, Error: reason}
}

// OK is a successful Response.
func OK() Response {
	return Response{Success: true}
}

// Fail is a failed Response carrying err's text.
func Fail(err error) Response {
	if err == nil {
		return Response{Success: false, Error: "unknown error"}
	}
	return Response{Success: false, Error: err.Error()}
}

// Failf is a failed Response carrying msg.
func Failf(msg string) Response {
	return Response{Success: false, Error: msg}
}
