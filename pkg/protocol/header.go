// Package protocol defines the realtime wire envelopes exchanged with the
// server: calls, replies, push events and the principal descriptors used
// for the handshake.
package protocol

import "strings"

// Message types understood by the client
const (
	TypeAuthUser    = "Auth.User"
	TypeAuthVisitor = "Auth.Visitor"
	TypeAuthAgent   = "Auth.Agent"
	TypeAuthOk      = "Auth.Ok"
	TypeAuthErr     = "Auth.Err"
	TypeFatal       = "Error.Fatal"

	TypePing = "Ping.Ping"
	TypePong = "Ping.Pong"

	TypeStreamSub         = "Stream.Sub"
	TypeStreamSubOk       = "Stream.SubOk"
	TypeStreamGet         = "Stream.Get"
	TypeStreamGetOk       = "Stream.GetOk"
	TypeStreamUnSub       = "Stream.UnSub"
	TypeStreamUnSubOk     = "Stream.UnSubOk"
	TypeStreamErr         = "Stream.Err"
	TypeRosterSub         = "Roster.Sub"
	TypeRosterSubOk       = "Roster.SubOk"
	TypeRosterGetRange    = "Roster.GetRange"
	TypeRosterGetRooms    = "Roster.GetRooms"
	TypeRosterGetOk       = "Roster.GetOk"
	TypeRosterOpenView    = "Roster.OpenView"
	TypeRosterOpenViewOk  = "Roster.OpenViewOk"
	TypeRosterCloseView   = "Roster.CloseView"
	TypeRosterCloseViewOk = "Roster.CloseViewOk"
	TypeRosterErr         = "Roster.Err"

	TypeMessageCreate     = "Message.Create"
	TypeMessageCreateMany = "Message.CreateMany"
	TypeMessageUpdate     = "Message.Update"
	TypeMessageSeen       = "Message.Seen"
	TypeMessageUnseen     = "Message.Unseen"
	TypeMessageOk         = "Message.Ok"
	TypeTypingSet         = "Typing.Set"
	TypeRoomUpdate        = "Room.Update"
	TypeRoomResolve       = "Room.Resolve"
	TypeRoomUnresolve     = "Room.Unresolve"
	TypeRoomOk            = "Room.Ok"
	TypeFileUpload        = "File.Upload"
	TypeFileOk            = "File.Ok"
	TypeVisitorVerifyCode = "Visitor.VerifyCode"
	TypeVisitorOk         = "Visitor.Ok"

	TypeEventMessage       = "Event.Message"
	TypeEventRoom          = "Event.Room"
	TypeEventRosterRoom    = "Event.RosterRoom"
	TypeEventRosterSection = "Event.RosterSection"
	TypeEventBadge         = "Event.Badge"
	TypeEventSeen          = "Event.Seen"
	TypeEventTyping        = "Event.Typing"
	TypeEventUser          = "Event.User"
	TypeEventCustomer      = "Event.Customer"
	TypeEventNotification  = "Event.Notification.Message"
)

// EventPrefix marks unsolicited server pushes.
const EventPrefix = "Event."

// Header carries the fields shared by every envelope.
type Header struct {
	MsgID   string `json:"msgId,omitempty"`
	MsgType string `json:"msgType"`
}

// Head exposes the header of any envelope embedding it.
func (h *Header) Head() *Header { return h }

// Message is any outbound envelope.
type Message interface {
	Head() *Header
}

// IsEvent reports whether msgType belongs to the push event namespace.
func IsEvent(msgType string) bool {
	return strings.HasPrefix(msgType, EventPrefix)
}

// IsAuth reports whether msgType is one of the handshake calls.
func IsAuth(msgType string) bool {
	switch msgType {
	case TypeAuthUser, TypeAuthVisitor, TypeAuthAgent:
		return true
	}
	return false
}

// IsError reports whether msgType is an error reply.
func IsError(msgType string) bool {
	return msgType == TypeFatal || strings.HasSuffix(msgType, ".Err")
}
