// Package telegraph connects chat platforms (Slack, Discord) to the session
// engine: it parses commands, stages uploaded files and hands finished runs
// to delivery.
package telegraph

import (
	"context"
	"io"
	"time"
)

// Adapter is one chat platform connection.
type Adapter interface {
	Connect(ctx context.Context) error

	// Listen starts delivery of inbound messages. It may only be called
	// after Connect; the channel is closed by Close.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send posts msg. With msg.File set it returns once the platform has
	// accepted the upload, so the caller may then delete the file.
	Send(ctx context.Context, msg OutboundMessage) error

	// Download opens an attachment from an inbound message. The caller
	// closes the reader.
	Download(ctx context.Context, att Attachment) (io.ReadCloser, error)

	Close() error
}

// BotUserIDer is implemented by adapters that know the bot's own user ID,
// which the router needs to ignore its own messages.
type BotUserIDer interface {
	BotUserID() string
}

// InboundMessage is a chat message addressed to the bot.
type InboundMessage struct {
	Platform    string // "slack" or "discord"
	ChannelID   string
	ThreadID    string // empty for top-level messages
	UserID      string
	UserName    string
	Text        string
	Attachments []Attachment
	Timestamp   time.Time
}

// Attachment is a file shared with an inbound message. URL is only
// meaningful to the adapter that produced it.
type Attachment struct {
	ID          string
	Name        string
	URL         string
	Size        int64 // -1 if unknown
	ContentType string
}

// OutboundMessage is a reply. When File is set, Text is its caption.
type OutboundMessage struct {
	ChannelID string
	ThreadID  string
	Text      string
	Events    []FormattedEvent
	File      *OutboundFile
}

// OutboundFile is a local file to upload under Name.
type OutboundFile struct {
	Path string
	Name string
}

// FormattedEvent is a report or digest rendered as a Slack attachment or a
// Discord embed.
type FormattedEvent struct {
	Title    string
	Body     string
	Severity string // success, info, warning or error
	Color    string // "#rrggbb"
	Fields   []Field
}

// Field is a labelled value on a FormattedEvent. Short fields may be laid
// out side by side.
type Field struct {
	Name  string
	Value string
	Short bool
}
