package discord

import (
	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/splicer/internal/telegraph"
)

// inboundFrom converts a MessageCreate into an InboundMessage, dropping
// messages from bots, including this one. A message posted inside a thread
// reports the parent as ChannelID and the thread as ThreadID; channels the
// state cache does not know are taken as top-level.
func (a *Adapter) inboundFrom(m *discordgo.MessageCreate) (telegraph.InboundMessage, bool) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return telegraph.InboundMessage{}, false
	}
	a.mu.Lock()
	self := a.self
	a.mu.Unlock()
	if m.Author.ID == self {
		return telegraph.InboundMessage{}, false
	}

	msg := telegraph.InboundMessage{
		Platform:    "discord",
		ChannelID:   m.ChannelID,
		UserID:      m.Author.ID,
		UserName:    m.Author.Username,
		Text:        m.Content,
		Attachments: attachments(m.Attachments),
	}
	if ch, err := a.gw.Channel(m.ChannelID); err == nil && ch.IsThread() {
		msg.ChannelID, msg.ThreadID = ch.ParentID, m.ChannelID
	}
	if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
		msg.Timestamp = ts
	}
	return msg, true
}

func attachments(in []*discordgo.MessageAttachment) []telegraph.Attachment {
	var out []telegraph.Attachment
	for _, att := range in {
		if att == nil || att.URL == "" {
			continue
		}
		out = append(out, telegraph.Attachment{
			ID:          att.ID,
			Name:        att.Filename,
			URL:         att.URL,
			Size:        int64(att.Size),
			ContentType: att.ContentType,
		})
	}
	return out
}
