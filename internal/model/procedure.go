package model

import "fmt"

type SyncState int

const (
	SyncStateNotSynced SyncState = iota
	SyncStateSyncing
	SyncStateSynced
	SyncStateFailed
)

func (s SyncState) String() string {
	switch s {
	case SyncStateNotSynced:
		return "NOT_SYNCED"
	case SyncStateSyncing:
		return "SYNCING"
	case SyncStateSynced:
		return "SYNCED"
	case SyncStateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s SyncState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SyncState) UnmarshalText(text []byte) error {
	for _, candidate := range []SyncState{SyncStateNotSynced, SyncStateSyncing, SyncStateSynced, SyncStateFailed} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown syncstate %q", text)
}

func (s SyncState) Terminal() bool {
	return s == SyncStateSynced || s == SyncStateFailed
}

// Procedure is a durable unit of outbound work. WithState returns a copy
// of the record carrying the new state.
type Procedure[T any] interface {
	Kind() string
	Key() string
	State() SyncState
	WithState(state SyncState) T
}

type MethodCall struct {
	ID         string    `json:"methodCallId" bson:"_id"`
	Name       string    `json:"name"`
	ParamsJSON string    `json:"paramsJson,omitempty"`
	TimeoutMs  int64     `json:"timeout"`
	Sync       SyncState `json:"syncstate"`
	ResultJSON string    `json:"resultJson,omitempty"`
}

func (MethodCall) Kind() string {
	return KindMethodCall
}

func (c MethodCall) Key() string {
	return c.ID
}

func (c MethodCall) State() SyncState {
	return c.Sync
}

func (c MethodCall) WithState(state SyncState) MethodCall {
	c.Sync = state
	return c
}

type LoadMessageProcedure struct {
	RoomID    string    `json:"roomId" bson:"_id"`
	Sync      SyncState `json:"syncstate"`
	Reset     bool      `json:"reset"`
	Timestamp int64     `json:"timestamp"`
	Count     int       `json:"count"`
	HasNext   bool      `json:"hasNext"`
	Error     string    `json:"error,omitempty"`
}

func (LoadMessageProcedure) Kind() string {
	return KindLoadMessageProcedure
}

func (p LoadMessageProcedure) Key() string {
	return p.RoomID
}

func (p LoadMessageProcedure) State() SyncState {
	return p.Sync
}

func (p LoadMessageProcedure) WithState(state SyncState) LoadMessageProcedure {
	p.Sync = state
	return p
}

type GetUsersOfRoomsProcedure struct {
	RoomID  string    `json:"roomId" bson:"_id"`
	Sync    SyncState `json:"syncstate"`
	ShowAll bool      `json:"showAll"`
	Total   int64     `json:"total"`
	Records []string  `json:"records,omitempty"`
	Error   string    `json:"error,omitempty"`
}

func (GetUsersOfRoomsProcedure) Kind() string {
	return KindGetUsersOfRoomsProcedure
}

func (p GetUsersOfRoomsProcedure) Key() string {
	return p.RoomID
}

func (p GetUsersOfRoomsProcedure) State() SyncState {
	return p.Sync
}

func (p GetUsersOfRoomsProcedure) WithState(state SyncState) GetUsersOfRoomsProcedure {
	p.Sync = state
	return p
}

const StorageTypeS3 = "s3"

type FileUploading struct {
	ID           string    `json:"uplId" bson:"_id"`
	RoomID       string    `json:"roomId"`
	URI          string    `json:"uri"`
	Filename     string    `json:"filename"`
	Size         int64     `json:"filesize"`
	MimeType     string    `json:"mimeType"`
	StorageType  string    `json:"storageType"`
	Sync         SyncState `json:"syncstate"`
	UploadedSize int64     `json:"uploadedSize"`
	Error        string    `json:"error,omitempty"`
}

func (FileUploading) Kind() string {
	return KindFileUploading
}

func (u FileUploading) Key() string {
	return u.ID
}

func (u FileUploading) State() SyncState {
	return u.Sync
}

func (u FileUploading) WithState(state SyncState) FileUploading {
	u.Sync = state
	return u
}
