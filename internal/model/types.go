package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	KindServerConnection          = "server_connection"
	KindSession                   = "session"
	KindMethodCall                = "method_call"
	KindLoadMessageProcedure      = "load_message_procedure"
	KindGetUsersOfRoomsProcedure  = "get_users_of_rooms_procedure"
	KindFileUploading             = "file_uploading"
	KindMessage                   = "message"
	KindRoomSubscription          = "room_subscription"
	KindNotificationItem          = "notification_item"
	KindUser                      = "user"
	KindLoginServiceConfiguration = "login_service_configuration"
)

// NewID returns a lexically sortable id for locally created records.
func NewID() string {
	return strings.ToLower(ulid.Make().String())
}

type ConnectionState int

const (
	StateReady ConnectionState = iota
	StateConnecting
	StateConnected
	StateConnectionError
)

func (s ConnectionState) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateConnectionError:
		return "CONNECTION_ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(text []byte) error {
	for _, candidate := range []ConnectionState{StateReady, StateConnecting, StateConnected, StateConnectionError} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

type ServerConnection struct {
	ID        string          `json:"serverConfigId" bson:"_id"`
	Hostname  string          `json:"hostname"`
	Session   string          `json:"session,omitempty"`
	State     ConnectionState `json:"state"`
	LastError string          `json:"error,omitempty"`
	UpdatedAt int64           `json:"updatedAt"`
}

func (ServerConnection) Kind() string {
	return KindServerConnection
}

func (s ServerConnection) Key() string {
	return s.ID
}

const DefaultSessionID = "default"

type Session struct {
	ID            string `json:"sessionId" bson:"_id"`
	Token         string `json:"token,omitempty"`
	TokenVerified bool   `json:"tokenVerified"`
	UserID        string `json:"userId,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (Session) Kind() string {
	return KindSession
}

func (s Session) Key() string {
	return s.ID
}

type User struct {
	ID        string  `json:"_id" bson:"_id"`
	Username  string  `json:"username,omitempty"`
	Name      string  `json:"name,omitempty"`
	Status    string  `json:"status,omitempty"`
	UTCOffset float64 `json:"utcOffset,omitempty"`
}

func (User) Kind() string {
	return KindUser
}

func (u User) Key() string {
	return u.ID
}

type LoginServiceConfiguration struct {
	ID       string `json:"_id" bson:"_id"`
	Service  string `json:"service,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	AppID    string `json:"appId,omitempty"`
}

func (LoginServiceConfiguration) Kind() string {
	return KindLoginServiceConfiguration
}

func (c LoginServiceConfiguration) Key() string {
	return c.ID
}

const (
	RoomTypeDirectMessage = "d"
	RoomTypeChannel       = "c"
	RoomTypePrivateGroup  = "p"
)

type RoomSubscription struct {
	ID        string `json:"_id" bson:"_id"`
	RoomID    string `json:"rid"`
	Name      string `json:"name,omitempty"`
	Type      string `json:"t,omitempty"`
	Unread    int    `json:"unread"`
	Alert     bool   `json:"alert"`
	Open      bool   `json:"open"`
	LastSeen  Date   `json:"ls"`
	UpdatedAt Date   `json:"_updatedAt"`
}

func (RoomSubscription) Kind() string {
	return KindRoomSubscription
}

func (r RoomSubscription) Key() string {
	return r.ID
}

type NotificationItem struct {
	RoomID           string  `json:"roomId" bson:"_id"`
	Title            string  `json:"title"`
	Description      string  `json:"description"`
	UnreadCount      int     `json:"unreadCount"`
	SenderName       *string `json:"senderName"`
	ContentUpdatedAt int64   `json:"contentUpdatedAt"`
	LastSeenAt       int64   `json:"lastSeenAt"`
}

func (NotificationItem) Kind() string {
	return KindNotificationItem
}

func (n NotificationItem) Key() string {
	return n.RoomID
}

type MessageUser struct {
	ID       string `json:"_id"`
	Username string `json:"username,omitempty"`
}

type Message struct {
	ID          string          `json:"_id" bson:"_id"`
	Type        string          `json:"t,omitempty"`
	RoomID      string          `json:"rid"`
	Sync        SyncState       `json:"syncstate"`
	Timestamp   Date            `json:"ts"`
	Msg         string          `json:"msg"`
	User        *MessageUser    `json:"u,omitempty"`
	Groupable   bool            `json:"groupable"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	URLs        json.RawMessage `json:"urls,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func (Message) Kind() string {
	return KindMessage
}

func (m Message) Key() string {
	return m.ID
}

func (m Message) State() SyncState {
	return m.Sync
}

func (m Message) WithState(state SyncState) Message {
	m.Sync = state
	return m
}

// DecodeMessage reads a server-pushed message. Messages coming from the
// server are canonical, so the result is always SYNCED.
func DecodeMessage(raw []byte) (Message, error) {
	msg := Message{Groupable: true}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}
	msg.Sync = SyncStateSynced
	msg.Error = ""
	return msg, nil
}
