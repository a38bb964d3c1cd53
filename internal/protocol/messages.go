// Package protocol defines the websocket message protocol between the editor
// client and the server. Every message is a JSON object with exactly one key
// naming the event and the payload as its value (tagged union pattern).
package protocol

import (
	"encoding/json"
)

// UserInfo is one entry in the users map of an init message.
type UserInfo struct {
	Name  string `json:"name"`  // Display name
	Color string `json:"color"` // Caret color, typically a CSS color
}

// UserJoinedMsg identifies a connection as a logical user. The same shape is
// broadcast to peers when a user joins.
type UserJoinedMsg struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

// ApplyPatchMsg carries a patch submitted by a client. The patch is kept raw
// so it can be validated separately and forwarded to peers byte-identical.
type ApplyPatchMsg struct {
	Patch json.RawMessage `json:"patch"`
}

// UploadImageMsg submits an inline image for optimization.
type UploadImageMsg struct {
	PlaceholderID string `json:"placeholderId"`
	Base64Data    string `json:"base64Data"`
}

// CursorMoveMsg reports the submitter's caret position. Coordinates are
// client-pixel-relative to the editor container; the server relays them
// without geometry assumptions.
type CursorMoveMsg struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Height  float64 `json:"height"`
	IsImage bool    `json:"isImage"`
}

// FullSyncMsg asks the recipient to resynchronize. Clients send it to request
// a fresh snapshot; the server sends it when a patch fails to apply.
type FullSyncMsg struct {
	Reason string `json:"reason,omitempty"`
}

// ClientMsg represents messages sent from client to server.
// Only one field should be set per message (tagged union pattern).
type ClientMsg struct {
	UserJoined      *UserJoinedMsg  `json:"userJoined,omitempty"`
	ApplyPatch      *ApplyPatchMsg  `json:"applyPatch,omitempty"`
	UploadImage     *UploadImageMsg `json:"uploadImage,omitempty"`
	CursorMove      *CursorMoveMsg  `json:"cursorMove,omitempty"`
	RequestFullSync *FullSyncMsg    `json:"requestFullSync,omitempty"`
}

// ServerMsg represents messages sent from server to client.
// Only one field should be set per message (tagged union pattern).
type ServerMsg struct {
	Init                *InitMsg            `json:"init,omitempty"`
	ApplyPatch          *PatchBroadcastMsg  `json:"applyPatch,omitempty"`
	ContentAcknowledged *AckMsg             `json:"contentAcknowledged,omitempty"`
	PatchRejected       *RejectMsg          `json:"patchRejected,omitempty"`
	RequestFullSync     *FullSyncMsg        `json:"requestFullSync,omitempty"`
	ImageProcessed      *ImageProcessedMsg  `json:"imageProcessed,omitempty"`
	CursorMove          *CursorBroadcastMsg `json:"cursorMove,omitempty"`
	UserJoined          *UserJoinedMsg      `json:"userJoined,omitempty"`
	UserLeft            *UserLeftMsg        `json:"userLeft,omitempty"`
	ServerShutdown      *ShutdownMsg        `json:"serverShutdown,omitempty"`
}

// InitMsg hands a joining client the full document and the other live users.
type InitMsg struct {
	Content string              `json:"content"`
	Users   map[string]UserInfo `json:"users"`
}

// PatchBroadcastMsg fans an accepted patch out to every peer of the sender.
type PatchBroadcastMsg struct {
	Patch    json.RawMessage `json:"patch"`
	SenderID string          `json:"senderId"`
}

// AckMsg confirms to the submitter that its patch is committed. It carries no
// payload.
type AckMsg struct{}

// RejectMsg tells the submitter its patch was refused without mutating state.
type RejectMsg struct {
	Reason string `json:"reason"`
}

// ImageProcessedMsg resolves one uploadImage submission. Exactly one of
// OptimizedBase64 or Error is set.
type ImageProcessedMsg struct {
	PlaceholderID   string `json:"placeholderId"`
	OptimizedBase64 string `json:"optimizedBase64,omitempty"`
	Error           string `json:"error,omitempty"`
}

// CursorBroadcastMsg is a cursor update annotated with the sender's identity.
type CursorBroadcastMsg struct {
	UserID  string  `json:"userId"`
	Name    string  `json:"name"`
	Color   string  `json:"color"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Height  float64 `json:"height"`
	IsImage bool    `json:"isImage"`
}

// UserLeftMsg announces a departed user.
type UserLeftMsg struct {
	UserID string `json:"userId"`
}

// ShutdownMsg warns every client that the server is going away.
type ShutdownMsg struct {
	Message string `json:"message"`
}

// MarshalJSON implements custom JSON marshaling for ServerMsg.
// We need to ensure only one field is present in the JSON output.
func (m *ServerMsg) MarshalJSON() ([]byte, error) {
	// Create a map with only the non-nil field
	result := make(map[string]interface{})

	if m.Init != nil {
		result["init"] = m.Init
	} else if m.ApplyPatch != nil {
		result["applyPatch"] = m.ApplyPatch
	} else if m.ContentAcknowledged != nil {
		result["contentAcknowledged"] = m.ContentAcknowledged
	} else if m.PatchRejected != nil {
		result["patchRejected"] = m.PatchRejected
	} else if m.RequestFullSync != nil {
		result["requestFullSync"] = m.RequestFullSync
	} else if m.ImageProcessed != nil {
		result["imageProcessed"] = m.ImageProcessed
	} else if m.CursorMove != nil {
		result["cursorMove"] = m.CursorMove
	} else if m.UserJoined != nil {
		result["userJoined"] = m.UserJoined
	} else if m.UserLeft != nil {
		result["userLeft"] = m.UserLeft
	} else if m.ServerShutdown != nil {
		result["serverShutdown"] = m.ServerShutdown
	}

	return json.Marshal(result)
}

// UnmarshalJSON implements custom JSON unmarshaling for ClientMsg.
func (m *ClientMsg) UnmarshalJSON(data []byte) error {
	// First unmarshal into a generic map to see which field is present
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if joinData, ok := raw["userJoined"]; ok {
		var join UserJoinedMsg
		if err := json.Unmarshal(joinData, &join); err != nil {
			return err
		}
		m.UserJoined = &join
	}

	if patchData, ok := raw["applyPatch"]; ok {
		var patch ApplyPatchMsg
		if err := json.Unmarshal(patchData, &patch); err != nil {
			return err
		}
		m.ApplyPatch = &patch
	}

	if imageData, ok := raw["uploadImage"]; ok {
		var image UploadImageMsg
		if err := json.Unmarshal(imageData, &image); err != nil {
			return err
		}
		m.UploadImage = &image
	}

	if cursorData, ok := raw["cursorMove"]; ok {
		var cursor CursorMoveMsg
		if err := json.Unmarshal(cursorData, &cursor); err != nil {
			return err
		}
		m.CursorMove = &cursor
	}

	if syncData, ok := raw["requestFullSync"]; ok {
		var sync FullSyncMsg
		if err := json.Unmarshal(syncData, &sync); err != nil {
			return err
		}
		m.RequestFullSync = &sync
	}

	return nil
}

// Helper constructors for server messages

// NewInitMsg creates an init server message.
func NewInitMsg(content string, users map[string]UserInfo) *ServerMsg {
	return &ServerMsg{Init: &InitMsg{Content: content, Users: users}}
}

// NewPatchBroadcastMsg creates an applyPatch server message.
func NewPatchBroadcastMsg(patch json.RawMessage, senderID string) *ServerMsg {
	return &ServerMsg{ApplyPatch: &PatchBroadcastMsg{Patch: patch, SenderID: senderID}}
}

// NewContentAcknowledgedMsg creates a contentAcknowledged server message.
func NewContentAcknowledgedMsg() *ServerMsg {
	return &ServerMsg{ContentAcknowledged: &AckMsg{}}
}

// NewPatchRejectedMsg creates a patchRejected server message.
func NewPatchRejectedMsg(reason string) *ServerMsg {
	return &ServerMsg{PatchRejected: &RejectMsg{Reason: reason}}
}

// NewRequestFullSyncMsg creates a requestFullSync server message.
func NewRequestFullSyncMsg(reason string) *ServerMsg {
	return &ServerMsg{RequestFullSync: &FullSyncMsg{Reason: reason}}
}

// NewImageProcessedMsg creates a successful imageProcessed server message.
func NewImageProcessedMsg(placeholderID, optimizedBase64 string) *ServerMsg {
	return &ServerMsg{ImageProcessed: &ImageProcessedMsg{
		PlaceholderID:   placeholderID,
		OptimizedBase64: optimizedBase64,
	}}
}

// NewImageErrorMsg creates a failed imageProcessed server message.
func NewImageErrorMsg(placeholderID, reason string) *ServerMsg {
	return &ServerMsg{ImageProcessed: &ImageProcessedMsg{
		PlaceholderID: placeholderID,
		Error:         reason,
	}}
}

// NewCursorMoveMsg creates a cursorMove server message annotated with the
// sender's identity.
func NewCursorMoveMsg(userID, name, color string, move *CursorMoveMsg) *ServerMsg {
	return &ServerMsg{CursorMove: &CursorBroadcastMsg{
		UserID:  userID,
		Name:    name,
		Color:   color,
		X:       move.X,
		Y:       move.Y,
		Height:  move.Height,
		IsImage: move.IsImage,
	}}
}

// NewUserJoinedMsg creates a userJoined server message.
func NewUserJoinedMsg(userID, name, color string) *ServerMsg {
	return &ServerMsg{UserJoined: &UserJoinedMsg{UserID: userID, Name: name, Color: color}}
}

// NewUserLeftMsg creates a userLeft server message.
func NewUserLeftMsg(userID string) *ServerMsg {
	return &ServerMsg{UserLeft: &UserLeftMsg{UserID: userID}}
}

// NewServerShutdownMsg creates a serverShutdown server message.
func NewServerShutdownMsg(message string) *ServerMsg {
	return &ServerMsg{ServerShutdown: &ShutdownMsg{Message: message}}
}
