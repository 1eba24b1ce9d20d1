package telegraph

import (
	"context"
	"fmt"
	"log"

	"github.com/zulandar/splicer/internal/delivery"
)

// ChatSink delivers dispatcher output through an Adapter. User replies go to
// the channel the command came from; operator reports go to a separate
// channel, or to the log when none is configured.
type ChatSink struct {
	adapter         Adapter
	operatorChannel string
}

// NewChatSink creates a ChatSink.
func NewChatSink(adapter Adapter, operatorChannel string) (*ChatSink, error) {
	if adapter == nil {
		return nil, fmt.Errorf("telegraph: sink: adapter is required")
	}
	return &ChatSink{adapter: adapter, operatorChannel: operatorChannel}, nil
}

// Notify sends text to the target's channel, split to fit platform limits.
func (s *ChatSink) Notify(ctx context.Context, to delivery.Target, text string) error {
	for _, chunk := range chunkMessage(text, maxChunk) {
		if err := s.adapter.Send(ctx, OutboundMessage{
			ChannelID: to.ChannelID,
			ThreadID:  to.ThreadID,
			Text:      chunk,
		}); err != nil {
			return fmt.Errorf("telegraph: notify %s: %w", to.Owner(), err)
		}
	}
	return nil
}

// Upload sends the file at path to the target's channel.
func (s *ChatSink) Upload(ctx context.Context, to delivery.Target, path, name, caption string) error {
	err := s.adapter.Send(ctx, OutboundMessage{
		ChannelID: to.ChannelID,
		ThreadID:  to.ThreadID,
		Text:      caption,
		File:      &OutboundFile{Path: path, Name: name},
	})
	if err != nil {
		return fmt.Errorf("telegraph: upload %s to %s: %w", name, to.Owner(), err)
	}
	return nil
}

// Alert posts a failure report: a headline event, then the captured stderr
// in code-block chunks.
func (s *ChatSink) Alert(ctx context.Context, r delivery.Report) error {
	if s.operatorChannel == "" {
		log.Printf("telegraph: operator report (no operator channel):\n%s", r.Format())
		return nil
	}
	if err := s.adapter.Send(ctx, OutboundMessage{
		ChannelID: s.operatorChannel,
		Events:    []FormattedEvent{FormatReport(r)},
	}); err != nil {
		return fmt.Errorf("telegraph: operator report for %s: %w", r.Owner, err)
	}
	if r.Stderr == "" {
		return nil
	}
	header := "stderr:"
	if r.Truncated {
		header = "stderr (head dropped):"
	}
	for i, chunk := range chunkMessage(r.Stderr, maxChunk-16) {
		text := "```\n" + chunk + "\n```"
		if i == 0 {
			text = header + "\n" + text
		}
		if err := s.adapter.Send(ctx, OutboundMessage{ChannelID: s.operatorChannel, Text: text}); err != nil {
			return fmt.Errorf("telegraph: operator stderr for %s: %w", r.Owner, err)
		}
	}
	return nil
}
