package slack

import (
	slackapi "github.com/slack-go/slack"

	"github.com/zulandar/splicer/internal/telegraph"
)

// msgOptions renders an OutboundMessage for chat.postMessage. Events become
// colored attachments; Text is then optional and serves as the fallback.
func msgOptions(msg telegraph.OutboundMessage) []slackapi.MsgOption {
	var opts []slackapi.MsgOption
	if msg.ThreadID != "" {
		opts = append(opts, slackapi.MsgOptionTS(msg.ThreadID))
	}
	if len(msg.Events) == 0 || msg.Text != "" {
		opts = append(opts, slackapi.MsgOptionText(msg.Text, false))
	}
	if len(msg.Events) > 0 {
		atts := make([]slackapi.Attachment, len(msg.Events))
		for i, e := range msg.Events {
			atts[i] = attachmentFor(e)
		}
		opts = append(opts, slackapi.MsgOptionAttachments(atts...))
	}
	return opts
}

func attachmentFor(e telegraph.FormattedEvent) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    e.Title,
		Text:     e.Body,
		Color:    e.Color,
		Fallback: e.Title,
	}
	for _, f := range e.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: f.Name, Value: f.Value, Short: f.Short})
	}
	return att
}
