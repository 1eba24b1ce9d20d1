// Package discord implements the telegraph Adapter for Discord using the Gateway WebSocket.
// Attachments are fetched from the Discord CDN and results are sent as
// multipart message files.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/splicer/internal/telegraph"
)

const (
	apiRetries    = 3
	inboundBuffer = 100

	intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
)

var (
	apiBackoff = telegraph.Backoff{Base: 2 * time.Second, Max: 2 * time.Minute}

	errNotConnected = errors.New("discord: not connected")
)

// gateway is the subset of *discordgo.Session the adapter uses.
type gateway interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// liveGateway resolves channels from the state cache rather than REST.
type liveGateway struct{ *discordgo.Session }

func (g liveGateway) Channel(id string) (*discordgo.Channel, error) { return g.State.Channel(id) }

// Adapter implements telegraph.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	gw             gateway
	token          string
	defaultChannel string
	http           *http.Client
	retry          telegraph.RetryPolicy

	mu        sync.Mutex
	sendMu    sync.Mutex // held while writing to inbound
	self      string
	connected bool
	closed    bool
	unhook    []func()
	quit      chan struct{}
	inbound   chan telegraph.InboundMessage
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken  string
	ChannelID string // used when a message names no channel
	// HTTPClient fetches attachments; defaults to the session's client.
	HTTPClient *http.Client
	// Session replaces the real gateway in tests.
	Session gateway
}

// New creates a Discord Adapter. Nothing is dialed until Connect.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		gw:             opts.Session,
		token:          opts.BotToken,
		defaultChannel: opts.ChannelID,
		http:           opts.HTTPClient,
		retry: telegraph.RetryPolicy{
			Retries:   apiRetries,
			Backoff:   apiBackoff,
			Throttled: rateLimited,
			OnRetry: func(attempt int, wait time.Duration, _ error) {
				log.Printf("discord: rate limited (retry %d/%d), waiting %v", attempt, apiRetries, wait)
			},
		},
		quit:    make(chan struct{}),
		inbound: make(chan telegraph.InboundMessage, inboundBuffer),
	}, nil
}

// rateLimited recognises an HTTP 429 from the REST API. Retry-After is in
// seconds and may be fractional.
func rateLimited(err error) (time.Duration, bool) {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) || rest.Response == nil || rest.Response.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	secs, perr := strconv.ParseFloat(rest.Response.Header.Get("Retry-After"), 64)
	if perr != nil || secs <= 0 {
		return 0, true
	}
	return time.Duration(secs * float64(time.Second)), true
}

// Connect opens the gateway. The bot's user ID arrives with the Ready
// event and is refreshed on every reconnect; discordgo resumes dropped
// sessions on its own.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return fmt.Errorf("discord: adapter already closed")
	case a.connected:
		return nil
	}
	if a.gw == nil {
		dg, err := discordgo.New("Bot " + a.token)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = intents
		a.gw = liveGateway{dg}
		if a.http == nil {
			a.http = dg.Client
		}
	}
	if a.http == nil {
		a.http = http.DefaultClient
	}

	a.unhook = append(a.unhook,
		a.gw.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			a.mu.Lock()
			a.self = r.User.ID
			a.mu.Unlock()
			log.Printf("discord: connected as %s (%s)", r.User.Username, r.User.ID)
		}),
		a.gw.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			log.Printf("discord: gateway disconnected")
		}),
		a.gw.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
			log.Printf("discord: gateway session resumed")
		}),
	)
	if err := a.gw.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return errNotConnected
	}
	return nil
}

// Listen registers the message handler. The returned channel is closed by
// Close.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, errNotConnected
	}
	a.unhook = append(a.unhook, a.gw.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if msg, ok := a.inboundFrom(m); ok {
			a.emit(ctx, msg)
		}
	}))
	return a.inbound, nil
}

// Send posts msg with its events as embeds. A file rides in the same
// request as a multipart attachment, so the caption and upload arrive as
// one message.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	if err := a.ready(); err != nil {
		return err
	}
	channel := target(msg, a.defaultChannel)
	if channel == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	data := messageSend(msg)
	var file *os.File
	if msg.File != nil {
		f, err := os.Open(msg.File.Path)
		if err != nil {
			return fmt.Errorf("discord: upload %s: %w", msg.File.Name, err)
		}
		defer f.Close()
		file = f
		data.Files = []*discordgo.File{{
			Name:        msg.File.Name,
			ContentType: contentType(msg.File.Name),
			Reader:      f,
		}}
	}

	err := a.retry.Do(ctx, func(attempt int) error {
		if file != nil && attempt > 0 {
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		_, err := a.gw.ChannelMessageSendComplex(channel, data, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// target picks where a message goes. Threads are channels in Discord, so a
// thread ID is addressed directly.
func target(msg telegraph.OutboundMessage, fallback string) string {
	for _, id := range []string{msg.ThreadID, msg.ChannelID, fallback} {
		if id != "" {
			return id
		}
	}
	return ""
}

// Download fetches an attachment from the Discord CDN.
func (a *Adapter) Download(ctx context.Context, att telegraph.Attachment) (io.ReadCloser, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if att.URL == "" {
		return nil, fmt.Errorf("discord: attachment %s has no URL", att.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("discord: download %s: %w", att.Name, err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discord: download %s: %w", att.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("discord: download %s: %s", att.Name, resp.Status)
	}
	return resp.Body, nil
}

// emit hands msg to the listener unless the adapter is shutting down.
func (a *Adapter) emit(ctx context.Context, msg telegraph.InboundMessage) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	select {
	case a.inbound <- msg:
	case <-ctx.Done():
	case <-a.quit:
	}
}

// Close removes the handlers, closes the gateway and then the inbound
// channel. It is safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed, a.connected = true, false
	unhook, gw := a.unhook, a.gw
	a.unhook = nil
	close(a.quit)
	a.mu.Unlock()

	for _, remove := range unhook {
		remove()
	}
	var err error
	if gw != nil {
		err = gw.Close()
	}
	a.sendMu.Lock()
	close(a.inbound)
	a.sendMu.Unlock()
	return err
}

// BotUserID returns the bot's Discord user ID once Ready has been seen.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.self
}
