package core

// Inbound intent names.
const (
	IntentJoinRoom       = "join-room"
	IntentSetUsername    = "set-username"
	IntentDocumentChange = "document-change"
	IntentLockLine       = "lock-line"
	IntentUnlockLine     = "unlock-line"
	IntentTyping         = "typing"
)

// Intent is a decoded client request handed to the gateway.
type Intent interface {
	IntentName() string
}

type (
	JoinRoom struct {
		RoomID   string `json:"roomId" validate:"required"`
		Username string `json:"username" validate:"required"`
	}

	SetUsername struct {
		Username string `json:"username" validate:"required"`
	}

	DocumentChange struct {
		RoomID    string `json:"roomId"`
		Content   string `json:"content"`
		LineIndex int    `json:"lineIndex" validate:"min=0"`
	}

	LockLine struct {
		RoomID    string `json:"roomId"`
		LineIndex int    `json:"lineIndex" validate:"min=0"`
		Username  string `json:"username"`
	}

	UnlockLine struct {
		RoomID    string `json:"roomId"`
		LineIndex int    `json:"lineIndex" validate:"min=0"`
	}

	Typing struct {
		RoomID   string `json:"roomId"`
		Username string `json:"username"`
	}
)

func (JoinRoom) IntentName() string       { return IntentJoinRoom }
func (SetUsername) IntentName() string    { return IntentSetUsername }
func (DocumentChange) IntentName() string { return IntentDocumentChange }
func (LockLine) IntentName() string       { return IntentLockLine }
func (UnlockLine) IntentName() string     { return IntentUnlockLine }
func (Typing) IntentName() string         { return IntentTyping }
