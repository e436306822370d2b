package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ChatTitle    string
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
	// ReplyTo carries the replied-to message when present. Admin commands
	// use it to capture message references without copying content.
	ReplyTo *MessageRef
}

type ChatTarget struct {
	ChatID int64
}

// MessageRef is an opaque pointer into the platform's own message store.
// The bot never duplicates message content; it re-copies from the
// reference on every delivery cycle.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Gateway is the messaging capability the delivery engine consumes.
//
// CopyMessage duplicates the source message into the target chat and
// returns a reference to the delivered copy. DeleteMessage and LeaveChat
// are best-effort from the caller's point of view; errors are still
// returned so call sites can log them.
//
// All delivery errors are classified into the DeliveryError taxonomy
// before they leave the adapter; the engine never inspects platform
// error strings.
type Gateway interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	CopyMessage(ctx context.Context, to ChatTarget, src MessageRef) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
	LeaveChat(ctx context.Context, chatID int64) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
