package protocol

// AuthUser is the end-user handshake.
type AuthUser struct {
	Header
	UserToken
	Version string `json:"version,omitempty"`
}

// AuthVisitor is the anonymous visitor handshake.
type AuthVisitor struct {
	Header
	WidgetID     string `json:"widgetId"`
	VisitorKey   string `json:"visitorKey,omitempty"`
	VisitorToken string `json:"token,omitempty"`
	Origin       string `json:"origin,omitempty"`
	Version      string `json:"version,omitempty"`
}

// AuthAgent is the operator handshake, carrying the exchanged API token.
type AuthAgent struct {
	Header
	AgentID  string `json:"agentId"`
	VendorID string `json:"vendorId"`
	Token    string `json:"token"`
	Version  string `json:"version,omitempty"`
}

// PingPing probes the server and reports the last local activity (µs).
type PingPing struct {
	Header
	LastActivityTs int64 `json:"lastActivityTs,omitempty"`
}

// StreamSub subscribes to a flat topic and returns its first page.
type StreamSub struct {
	Header
	Topic    string `json:"topic"`
	Before   int64  `json:"before,omitempty"`
	Since    int64  `json:"since,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	AroundID string `json:"aroundId,omitempty"`
}

// StreamGet fetches a page of a flat topic without subscribing.
type StreamGet struct {
	Header
	Topic    string `json:"topic"`
	Before   int64  `json:"before,omitempty"`
	Since    int64  `json:"since,omitempty"`
	StartID  string `json:"startId,omitempty"`
	EndID    string `json:"endId,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	AroundID string `json:"aroundId,omitempty"`
	Prev     string `json:"prev,omitempty"`
	Next     string `json:"next,omitempty"`
}

type StreamUnSub struct {
	Header
	Topic string `json:"topic"`
}

// RosterSub subscribes to the sectioned roster of a workspace or helpdesk.
type RosterSub struct {
	Header
	Topic string `json:"topic"`
	Limit int    `json:"limit,omitempty"`
}

// RosterGetRange fetches rooms of one section starting at a 1-based position.
type RosterGetRange struct {
	Header
	Topic     string `json:"topic"`
	View      string `json:"view"`
	SectionID string `json:"sectionId"`
	StartPos  int    `json:"startPos"`
	Limit     int    `json:"limit"`
}

// RosterGetRooms fetches roster entries for explicit room ids.
type RosterGetRooms struct {
	Header
	Topic   string   `json:"topic"`
	View    string   `json:"view,omitempty"`
	RoomIDs []string `json:"roomIds"`
}

// RosterFilter narrows a roster view.
type RosterFilter struct {
	Type   string   `json:"type,omitempty"`
	TagIDs []string `json:"tagIds,omitempty"`
}

// RosterOpenView opens a named view limited to the listed sections. A
// section prefixed with "*" is expanded eagerly.
type RosterOpenView struct {
	Header
	Topic    string        `json:"topic"`
	View     string        `json:"view"`
	Sections []string      `json:"sections,omitempty"`
	Filter   *RosterFilter `json:"filter,omitempty"`
}

type RosterCloseView struct {
	Header
	Topic string `json:"topic"`
	View  string `json:"view"`
}

// Mention references an addressee inside a message body.
type Mention struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type MessageCreate struct {
	Header
	ClientID           string    `json:"clientId"`
	RoomID             string    `json:"roomId"`
	Text               string    `json:"text"`
	FileIDs            []string  `json:"fileIds,omitempty"`
	LinkRoomID         string    `json:"linkRoomId,omitempty"`
	LinkStartMessageID string    `json:"linkStartMessageId,omitempty"`
	LinkEndMessageID   string    `json:"linkEndMessageId,omitempty"`
	LinkType           LinkType  `json:"linkType,omitempty"`
	Mentions           []Mention `json:"mentions,omitempty"`
}

type MessageCreateMany struct {
	Header
	ClientID string          `json:"clientId"`
	Messages []MessageCreate `json:"messages"`
}

type MessageUpdate struct {
	Header
	MessageID string    `json:"messageId"`
	Text      *string   `json:"text,omitempty"`
	Mentions  []Mention `json:"mentions,omitempty"`
	// Delete soft-deletes the message.
	Delete bool `json:"delete,omitempty"`
}

type MessageSeen struct {
	Header
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId,omitempty"`
}

type MessageUnseen struct {
	Header
	RoomID string `json:"roomId"`
}

type TypingSet struct {
	Header
	RoomID string `json:"roomId"`
}

type RoomUpdate struct {
	Header
	RoomID          string   `json:"roomId"`
	Name            string   `json:"name,omitempty"`
	MembersToAdd    []string `json:"membersToAdd,omitempty"`
	MembersToRemove []string `json:"membersToRemove,omitempty"`
	TagsToAdd       []string `json:"tagsToAdd,omitempty"`
	TagsToRemove    []string `json:"tagsToRemove,omitempty"`
}

type RoomResolve struct {
	Header
	RoomID string `json:"roomId"`
}

type RoomUnresolve struct {
	Header
	RoomID string `json:"roomId"`
}

// FileUpload carries raw bytes and is therefore sent as a binary frame.
type FileUpload struct {
	Header
	RoomID     string `json:"roomId"`
	FileName   string `json:"fileName"`
	FileType   string `json:"fileType"`
	BinaryData []byte `json:"binaryData"`
}

type VisitorVerifyCode struct {
	Header
	VerificationCode string `json:"verificationCode"`
}

// IsBinary reports whether msg must be encoded as a binary frame.
func IsBinary(msg Message) bool {
	_, ok := msg.(*FileUpload)
	return ok
}
