// Package protocol defines the logical messages exchanged between a live
// connection and its client, and the serializer contract used to put them on
// the wire. The channel core constructs these messages; byte layout is
// entirely the serializer's concern.
package protocol

// Reserved event names on a channel topic.
const (
	// EventJoin starts the join/authentication handshake.
	EventJoin = "join"

	// EventLeave is an explicit client disconnect for one topic.
	EventLeave = "leave"

	// EventClient carries an application event from the client.
	EventClient = "event"

	// EventReply acknowledges an inbound message by reference.
	EventReply = "reply"

	// EventRender pushes a diff that is not a direct reply.
	EventRender = "render"

	// EventRedirect instructs the client to navigate away.
	EventRedirect = "redirect"

	// EventClose notifies the client that a channel shut down.
	EventClose = "close"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Join failure reasons surfaced to the client.
const (
	ReasonNoSession  = "nosession"
	ReasonBadSession = "badsession"
)

// Message is one logical message on a connection. Topic scopes the message
// to a channel; JoinRef identifies the join that created the channel and is
// constant for its lifetime; Ref correlates replies with requests.
type Message struct {
	JoinRef string `json:"join_ref,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Reply is the payload of an EventReply message.
type Reply struct {
	Status   string `json:"status"`
	Response any    `json:"response,omitempty"`
}

// OKReply builds a success reply payload.
func OKReply(response any) *Reply {
	return &Reply{Status: StatusOK, Response: response}
}

// ErrorReply builds an error reply payload with a reason field.
func ErrorReply(reason string) *Reply {
	return &Reply{Status: StatusError, Response: map[string]any{"reason": reason}}
}

// NewReply wraps a reply payload into a Message addressed to ref.
func NewReply(topic, joinRef, ref string, reply *Reply) *Message {
	return &Message{
		JoinRef: joinRef,
		Ref:     ref,
		Topic:   topic,
		Event:   EventReply,
		Payload: reply,
	}
}
