package store

// Credential is the signed-in user's token and identity.
type Credential struct {
	Token     string
	UserID    string
	UserCode  string
	Username  string
	UpdatedAt int64
}

// Conversation is a cached conversation row.
type Conversation struct {
	ID                 string
	Name               string
	IsGroup            bool
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is a cached confirmed message. Timestamp is unix milliseconds.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	SenderUsername string
	Content        string
	MessageType    string
	File           string
	ReplyToID      string
	IsRead         bool
	Timestamp      int64
}
