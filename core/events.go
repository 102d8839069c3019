package core

// Outbound event names.
const (
	EventInitialState     = "initial-state"
	EventUsersUpdate      = "users-update"
	EventDocumentChange   = "document-change"
	EventLineLocked       = "line-locked"
	EventLineUnlocked     = "line-unlocked"
	EventTyping           = "typing"
	EventUpdateLastEditor = "update-last-editor"
	EventError            = "error"
)

type (
	// Event is one outbound message addressed to a recipient set by the room.
	Event struct {
		Name    string
		Payload any
	}

	InitialState struct {
		Content     string         `json:"content"`
		Lines       []string       `json:"lines"`
		LockedLines map[int]string `json:"lockedLines"`
		Members     []string       `json:"members"`
		LastEditors map[int]string `json:"lastEditors,omitempty"`
	}

	UsersUpdate struct {
		Members []string `json:"members"`
	}

	DocumentChanged struct {
		Content string `json:"content"`
	}

	LineLocked struct {
		LineIndex int    `json:"lineIndex"`
		LockedBy  string `json:"lockedBy"`
	}

	LineUnlocked struct {
		LineIndex int `json:"lineIndex"`
	}

	TypingUpdate struct {
		TypingUsers []string `json:"typingUsers"`
	}

	LastEditorUpdate struct {
		LineIndex  int    `json:"lineIndex"`
		LastEditor string `json:"lastEditor"`
	}

	ErrorNotice struct {
		Message  string `json:"message"`
		Category string `json:"category"`
	}
)
