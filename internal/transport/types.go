// Package transport abstracts the chat-platform send capability consumed by
// the reminder and scheduled-message jobs.
package transport

import "context"

// Sender delivers one text message to a channel or user id.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, chatID int64, text string) error

func (f SenderFunc) SendMessage(ctx context.Context, chatID int64, text string) error {
	return f(ctx, chatID, text)
}
