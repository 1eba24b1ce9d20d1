package slack

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/zulandar/splicer/internal/telegraph"
)

// dispatch acks Events API envelopes and forwards the messages worth
// routing. Connection lifecycle events are only logged.
func (a *Adapter) dispatch(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		api, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if api.Type != slackevents.CallbackEvent {
			return
		}
		if msg, ok := a.inboundFrom(api.InnerEvent.Data); ok {
			msg.UserName = a.displayName(msg.UserID)
			a.emit(ctx, msg)
		}
	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")
	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")
	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)
	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// inboundFrom converts a callback payload into an InboundMessage. It
// reports false for anything the router should never see: the bot's own
// posts, other bots, edits and deletes, and plain messages that mention
// the bot, which Slack delivers a second time as app_mention.
func (a *Adapter) inboundFrom(data interface{}) (telegraph.InboundMessage, bool) {
	a.mu.Lock()
	self := a.self
	a.mu.Unlock()

	switch ev := data.(type) {
	case *slackevents.MessageEvent:
		if ev.User == self || ev.BotID != "" {
			return telegraph.InboundMessage{}, false
		}
		if ev.SubType != "" && ev.SubType != "file_share" {
			return telegraph.InboundMessage{}, false
		}
		if self != "" && strings.Contains(ev.Text, "<@"+self+">") {
			return telegraph.InboundMessage{}, false
		}
		msg := telegraph.InboundMessage{
			Platform:  "slack",
			ChannelID: ev.Channel,
			ThreadID:  ev.ThreadTimeStamp,
			UserID:    ev.User,
			Text:      ev.Text,
			Timestamp: parseTS(ev.TimeStamp),
		}
		if ev.Message != nil {
			msg.Attachments = sharedFiles(ev.Message.Files)
		}
		return msg, true
	case *slackevents.AppMentionEvent:
		if ev.User == self {
			return telegraph.InboundMessage{}, false
		}
		return telegraph.InboundMessage{
			Platform:  "slack",
			ChannelID: ev.Channel,
			ThreadID:  ev.ThreadTimeStamp,
			UserID:    ev.User,
			Text:      ev.Text,
			Timestamp: parseTS(ev.TimeStamp),
		}, true
	}
	return telegraph.InboundMessage{}, false
}

// sharedFiles keeps the files that have a private download URL; external
// and tombstoned files have none.
func sharedFiles(files []slackapi.File) []telegraph.Attachment {
	var out []telegraph.Attachment
	for _, f := range files {
		if f.URLPrivateDownload == "" {
			continue
		}
		out = append(out, telegraph.Attachment{
			ID:          f.ID,
			Name:        f.Name,
			URL:         f.URLPrivateDownload,
			Size:        int64(f.Size),
			ContentType: f.Mimetype,
		})
	}
	return out
}

// displayName prefers the profile display name, then the real name, then
// the raw ID when the lookup fails.
func (a *Adapter) displayName(userID string) string {
	if userID == "" {
		return ""
	}
	u, err := a.api.GetUserInfo(userID)
	switch {
	case err != nil:
		return userID
	case u.Profile.DisplayName != "":
		return u.Profile.DisplayName
	default:
		return u.RealName
	}
}

// parseTS reads a Slack message timestamp such as "1234567890.123456".
// Malformed input yields the zero time.
func parseTS(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var usec int64
	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		if n, err := strconv.ParseInt(frac, 10, 64); err == nil {
			for i := len(frac); i < 6; i++ {
				n *= 10
			}
			usec = n
		}
	}
	return time.Unix(sec, usec*int64(time.Microsecond))
}
