package core

// Role identifies the author of a conversation message.
type Role string

// Conversation roles understood by providers.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Attachment is an opaque binary payload attached to a message (screen
// captures, audio snippets). Codec details are a collaborator concern; the
// core only moves the bytes.
type Attachment struct {
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// ConversationMessage is one entry in a conversation's retained window.
// Messages are append-only and never mutated after creation. Seq is assigned
// by the context store and is strictly increasing and gap-free within a
// conversation.
type ConversationMessage struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Seq         uint64       `json:"seq"`
}

// ContextSummary condenses a contiguous prefix of aged messages into a
// single textual digest. At most one summary is active per conversation; its
// range [FromSeq, ToSeq] immediately precedes the retained window.
type ContextSummary struct {
	FromSeq uint64 `json:"from_seq"`
	ToSeq   uint64 `json:"to_seq"`
	Text    string `json:"text"`
}

// Covers reports whether the summary's range includes seq.
func (s ContextSummary) Covers(seq uint64) bool {
	return seq >= s.FromSeq && seq <= s.ToSeq
}
