package discord

import (
	"mime"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/splicer/internal/telegraph"
)

// messageSend renders msg as message content plus one embed per event.
func messageSend(msg telegraph.OutboundMessage) *discordgo.MessageSend {
	data := &discordgo.MessageSend{Content: msg.Text}
	for _, e := range msg.Events {
		data.Embeds = append(data.Embeds, embedFor(e))
	}
	return data
}

func embedFor(e telegraph.FormattedEvent) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Body,
		Color:       hexColor(e.Color),
	}
	for _, f := range e.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Short})
	}
	return embed
}

// hexColor converts "#36a64f" to the integer Discord expects. Anything
// unparseable leaves the embed uncolored.
func hexColor(s string) int {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 16, 24)
	if err != nil {
		return 0
	}
	return int(n)
}

// contentType guesses a MIME type from the file extension.
func contentType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
