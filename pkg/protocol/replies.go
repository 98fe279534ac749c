package protocol

// Helpdesk is the support desk resolved for a session.
type Helpdesk struct {
	ID   string `json:"id"`
	Tags []Tag  `json:"tags,omitempty"`
}

// AuthOk is the successful handshake reply.
type AuthOk struct {
	Header
	SessionID        string    `json:"sessionId"`
	UserID           string    `json:"userId"`
	HelpdeskID       string    `json:"helpdeskId"`
	Helpdesk         *Helpdesk `json:"helpdesk,omitempty"`
	AgentRole        string    `json:"role,omitempty"`
	AvatarLibraryURL string    `json:"avatarLibraryUrl,omitempty"`
	VisitorToken     string    `json:"token,omitempty"`
	EmailVerified    *bool     `json:"emailVerified,omitempty"`
}

// ErrorReply covers Auth.Err, Stream.Err and Error.Fatal.
type ErrorReply struct {
	Header
	Code  int    `json:"code"`
	Error string `json:"error"`
	Topic string `json:"topic,omitempty"`
}

type StreamSubOk struct {
	Header
	Topic          string     `json:"topic"`
	Items          []*Inbound `json:"items"`
	TooManyUpdates bool       `json:"tooManyUpdates,omitempty"`
}

type StreamGetOk struct {
	Header
	Topic string     `json:"topic"`
	Items []*Inbound `json:"items"`
	Prev  string     `json:"prev,omitempty"`
	Next  string     `json:"next,omitempty"`
}

type RosterSubOk struct {
	Header
	Topic string     `json:"topic"`
	Items []*Inbound `json:"items"`
}

type RosterOpenViewOk struct {
	Header
	Topic string     `json:"topic"`
	View  string     `json:"view"`
	Items []*Inbound `json:"items"`
}

type RosterGetOk struct {
	Header
	Topic string     `json:"topic"`
	Items []*Inbound `json:"items"`
}

type MessageOk struct {
	Header
	MessageID  string   `json:"messageId,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

type RoomOk struct {
	Header
	RoomID string `json:"roomId"`
}

type FileOk struct {
	Header
	FileID string `json:"fileId"`
}
