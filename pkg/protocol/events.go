package protocol

// LinkType distinguishes forwarded ranges from reply quotes.
type LinkType string

const (
	LinkForward LinkType = "forward"
	LinkReply   LinkType = "reply"
)

// Author types on Event.Message.
const (
	FromUser  = "user"
	FromAgent = "agent"
)

// Room types.
const (
	RoomPublic  = "public"
	RoomPrivate = "private"
	RoomDialog  = "dialog"
)

type File struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Type        string `json:"type,omitempty"`
	FileURL     string `json:"fileUrl"`
	DownloadURL string `json:"downloadUrl"`
}

type MessageLink struct {
	SourceMessageID  string   `json:"sourceMessageId"`
	TargetMessageID  string   `json:"targetMessageId"`
	TargetRoomID     string   `json:"targetRoomId"`
	LinkType         LinkType `json:"linkType"`
	TargetFromID     string   `json:"targetFromId"`
	TargetFromName   string   `json:"targetFromName"`
	TargetInsertedTs int64    `json:"targetInsertedTs"`
}

type MentionIn struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Text string `json:"text"`
	Type string `json:"type"`
}

// EventMessage is a message of a room timeline. Timestamps are in µs.
type EventMessage struct {
	Header
	ClientID           string          `json:"clientId,omitempty"`
	VendorID           string          `json:"vendorId,omitempty"`
	WorkspaceID        string          `json:"workspaceId,omitempty"`
	HelpdeskID         string          `json:"helpdeskId,omitempty"`
	CustomerID         string          `json:"customerId,omitempty"`
	FromID             string          `json:"fromId"`
	FromName           string          `json:"fromName"`
	FromAvatarURL      string          `json:"fromAvatarUrl,omitempty"`
	FromType           string          `json:"fromType"`
	RoomID             string          `json:"roomId"`
	ID                 string          `json:"id"`
	Text               string          `json:"text"`
	RawText            string          `json:"rawText,omitempty"`
	Mentions           []MentionIn     `json:"mentions,omitempty"`
	Files              []File          `json:"files,omitempty"`
	CreatedTs          int64           `json:"createdTs"`
	UpdatedTs          int64           `json:"updatedTs"`
	Links              []MessageLink   `json:"links,omitempty"`
	LinkRoomID         string          `json:"linkRoomId,omitempty"`
	LinkStartMessageID string          `json:"linkStartMessageId,omitempty"`
	LinkEndMessageID   string          `json:"linkEndMessageId,omitempty"`
	LinkType           LinkType        `json:"linkType,omitempty"`
	Sources            []*EventMessage `json:"sources,omitempty"`
	DeletedTs          int64           `json:"deletedTs,omitempty"`
	DeletedByName      string          `json:"deletedByName,omitempty"`
	EditedTs           int64           `json:"editedTs,omitempty"`
}

// HasLink reports whether the message references a range in another room.
func (m *EventMessage) HasLink() bool {
	return m.LinkRoomID != "" && m.LinkStartMessageID != "" && m.LinkEndMessageID != ""
}

// IsEdit reports whether the message carries a later revision than its creation.
func (m *EventMessage) IsEdit() bool {
	return m.UpdatedTs > m.CreatedTs
}

type Tag struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

type RoomMember struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	ImageURL string `json:"imageUrl,omitempty"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
}

// EventRoom is a room summary.
type EventRoom struct {
	Header
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Type         string        `json:"type"`
	CustomerID   string        `json:"customerId,omitempty"`
	CustomerName string        `json:"customerName,omitempty"`
	HelpdeskID   string        `json:"helpdeskId,omitempty"`
	VendorID     string        `json:"vendorId,omitempty"`
	WorkspaceID  string        `json:"workspaceId,omitempty"`
	ImageURL     string        `json:"imageUrl,omitempty"`
	Email        string        `json:"email,omitempty"`
	AgentID      string        `json:"agentId,omitempty"`
	UserID       string        `json:"userId,omitempty"`
	CreatedTs    int64         `json:"createdTs"`
	UpdatedTs    int64         `json:"updatedTs"`
	Created      bool          `json:"created,omitempty"`
	Members      []RoomMember  `json:"members,omitempty"`
	Tags         []Tag         `json:"tags,omitempty"`
	Status       string        `json:"status,omitempty"`
	Resolved     bool          `json:"resolved,omitempty"`
	LastMessage  *EventMessage `json:"lastMessage,omitempty"`
	Remove       bool          `json:"remove,omitempty"`
}

// EventRosterRoom places a room into roster sections. Sections maps a
// section id to the room's 1-based position within it.
type EventRosterRoom struct {
	Header
	View     string         `json:"view"`
	Room     EventRoom      `json:"room"`
	Sections map[string]int `json:"sections"`
	Badge    *EventBadge    `json:"badge,omitempty"`
}

// Entity kinds of dynamically discovered roster sections.
const (
	SectionEntityCustomer = "CUSTOMER"
	SectionEntityTag      = "TAG"
)

// SectionEntity is the customer or tag a dynamic section groups by.
type SectionEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EventRosterSection describes one named section of a roster view.
type EventRosterSection struct {
	Header
	View            string         `json:"view"`
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Pos             int            `json:"pos"`
	Count           int            `json:"count"`
	UnreadCount     int            `json:"unreadCount"`
	UnresolvedCount int            `json:"unresolvedCount"`
	MentionsCount   int            `json:"mentionsCount"`
	EntityType      string         `json:"entityType,omitempty"`
	Entity          *SectionEntity `json:"entity,omitempty"`
}

type EventBadge struct {
	Header
	RoomID             string        `json:"roomId"`
	Count              int           `json:"count"`
	MentionsCount      int           `json:"mentionsCount"`
	FirstUnreadMessage *EventMessage `json:"firstUnreadMessage,omitempty"`
	LastRoomMessage    *EventMessage `json:"lastRoomMessage,omitempty"`
	NextMentionMessage *EventMessage `json:"nextMentionMessage,omitempty"`
}

type EventSeen struct {
	Header
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId,omitempty"`
}

type TypingUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type EventTyping struct {
	Header
	RoomID string       `json:"roomId"`
	Data   []TypingUser `json:"data"`
}

type EventUser struct {
	Header
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

type EventCustomer struct {
	Header
	ID          string `json:"id"`
	ExternalUID string `json:"externalUid,omitempty"`
	VendorID    string `json:"vendorId,omitempty"`
	HelpdeskID  string `json:"helpdeskId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	Name        string `json:"name"`
	CreatedTs   int64  `json:"createdTs"`
	UpdatedTs   int64  `json:"updatedTs"`
}

type EventNotificationMessage struct {
	Header
	RoomID    string `json:"roomId"`
	ID        string `json:"id"`
	FromID    string `json:"fromId"`
	FromName  string `json:"fromName"`
	FromType  string `json:"fromType"`
	Text      string `json:"text"`
	CreatedTs int64  `json:"createdTs"`
	UpdatedTs int64  `json:"updatedTs"`
}
