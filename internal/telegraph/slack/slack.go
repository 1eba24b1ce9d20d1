// Package slack implements the telegraph Adapter for Slack using Socket Mode.
// Shared files are downloaded with the bot token and results are uploaded
// with files.uploadV2.
package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/zulandar/splicer/internal/telegraph"
)

const (
	apiRetries     = 3
	reconnectLimit = 10
	inboundBuffer  = 100
)

var (
	// apiBackoff applies when Slack omits Retry-After.
	apiBackoff       = telegraph.Backoff{Base: time.Second, Max: 30 * time.Second}
	reconnectBackoff = telegraph.Backoff{Base: 2 * time.Second, Max: 2 * time.Minute}

	errNotConnected = errors.New("slack: not connected")
)

// webAPI is the subset of the Slack Web API the adapter calls.
type webAPI interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
	UploadFileV2Context(ctx context.Context, params slackapi.UploadFileV2Parameters) (*slackapi.FileSummary, error)
}

// socketConn is the subset of a Socket Mode client the adapter drives.
type socketConn interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type socketmodeConn struct{ *socketmode.Client }

func (c socketmodeConn) EventsChan() chan socketmode.Event { return c.Events }

// Adapter implements telegraph.Adapter for Slack Socket Mode.
type Adapter struct {
	api            webAPI
	socket         socketConn
	appToken       string
	botToken       string
	defaultChannel string

	retry          telegraph.RetryPolicy
	reconnect      telegraph.Backoff
	reconnectLimit int

	mu        sync.Mutex
	sendMu    sync.Mutex // held while writing to inbound
	self      string
	connected bool
	closed    bool
	stop      context.CancelFunc
	inbound   chan telegraph.InboundMessage
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken  string // xapp-... token for Socket Mode
	BotToken  string // xoxb-... token for the Web API
	ChannelID string // used when a message names no channel

	// Client and Socket replace the real Slack clients in tests.
	Client webAPI
	Socket socketConn
}

// New creates a Slack Adapter. Nothing is dialed until Connect.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Adapter{
		api:            opts.Client,
		socket:         opts.Socket,
		appToken:       opts.AppToken,
		botToken:       opts.BotToken,
		defaultChannel: opts.ChannelID,
		retry: telegraph.RetryPolicy{
			Retries:   apiRetries,
			Backoff:   apiBackoff,
			Throttled: rateLimited,
			OnRetry: func(attempt int, wait time.Duration, _ error) {
				log.Printf("slack: rate limited (retry %d/%d), waiting %v", attempt, apiRetries, wait)
			},
		},
		reconnect:      reconnectBackoff,
		reconnectLimit: reconnectLimit,
		inbound:        make(chan telegraph.InboundMessage, inboundBuffer),
	}, nil
}

// rateLimited recognises Slack's 429 response and its Retry-After hint.
func rateLimited(err error) (time.Duration, bool) {
	var rle *slackapi.RateLimitedError
	if !errors.As(err, &rle) {
		return 0, false
	}
	return rle.RetryAfter, true
}

// Connect builds the clients if none were injected and resolves the bot's
// own user ID with auth.test.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return fmt.Errorf("slack: adapter already closed")
	case a.connected:
		return nil
	}
	if a.api == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.api = api
		a.socket = socketmodeConn{socketmode.New(api)}
	}
	auth, err := a.api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.self = auth.UserID
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

// Listen starts the Socket Mode connection and the event pump. The returned
// channel is closed by Close.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, errNotConnected
	}
	ctx, a.stop = context.WithCancel(ctx)
	go a.keepAlive(ctx)
	go a.pump(ctx)
	return a.inbound, nil
}

// keepAlive reruns the socket client after a failed reconnect, backing off
// between attempts until reconnectLimit is reached.
func (a *Adapter) keepAlive(ctx context.Context) {
	for attempt := 0; attempt < a.reconnectLimit; attempt++ {
		err := a.socket.Run()
		if err == nil || ctx.Err() != nil {
			return
		}
		wait := a.reconnect.Delay(attempt)
		log.Printf("slack: socket mode dropped (%d/%d): %v; reconnecting in %v",
			attempt+1, a.reconnectLimit, err, wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	log.Printf("slack: giving up on socket mode after %d reconnects", a.reconnectLimit)
}

func (a *Adapter) pump(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.dispatch(ctx, evt)
		}
	}
}

// Send posts msg as Block Kit. A message with a file becomes an upload that
// carries msg.Text as its comment; its events, if any, are posted first.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	if err := a.ready(); err != nil {
		return err
	}
	channel := msg.ChannelID
	if channel == "" {
		channel = a.defaultChannel
	}
	if channel == "" {
		return fmt.Errorf("slack: no channel specified")
	}

	if msg.File == nil {
		return a.post(ctx, channel, msg)
	}
	if len(msg.Events) > 0 {
		header := telegraph.OutboundMessage{ThreadID: msg.ThreadID, Events: msg.Events}
		if err := a.post(ctx, channel, header); err != nil {
			return err
		}
	}
	return a.upload(ctx, channel, msg)
}

func (a *Adapter) post(ctx context.Context, channel string, msg telegraph.OutboundMessage) error {
	opts := msgOptions(msg)
	err := a.retry.Do(ctx, func(int) error {
		_, _, err := a.api.PostMessage(channel, opts...)
		return err
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func (a *Adapter) upload(ctx context.Context, channel string, msg telegraph.OutboundMessage) error {
	name := msg.File.Name
	f, err := os.Open(msg.File.Path)
	if err != nil {
		return fmt.Errorf("slack: upload %s: %w", name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("slack: upload %s: %w", name, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("slack: upload %s: file is empty", name)
	}

	params := slackapi.UploadFileV2Parameters{
		Reader:          f,
		FileSize:        int(info.Size()),
		Filename:        name,
		Title:           name,
		InitialComment:  msg.Text,
		Channel:         channel,
		ThreadTimestamp: msg.ThreadID,
	}
	err = a.retry.Do(ctx, func(attempt int) error {
		if attempt > 0 {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		_, err := a.api.UploadFileV2Context(ctx, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("slack: upload %s: %w", name, err)
	}
	return nil
}

// Download streams a shared file. The private URL needs the bot token,
// which the Web API client attaches.
func (a *Adapter) Download(ctx context.Context, att telegraph.Attachment) (io.ReadCloser, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if att.URL == "" {
		return nil, fmt.Errorf("slack: file %s has no download URL", att.ID)
	}
	pr, pw := io.Pipe()
	go func() {
		if err := a.api.GetFileContext(ctx, att.URL, pw); err != nil {
			pw.CloseWithError(fmt.Errorf("slack: download %s: %w", att.Name, err))
			return
		}
		pw.Close()
	}()
	return pr, nil
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
	}
}

// Close stops the event pump and closes the inbound channel. It is safe to
// call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed, a.connected = true, false
	stop := a.stop
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	a.sendMu.Lock()
	close(a.inbound)
	a.sendMu.Unlock()
	return nil
}

// BotUserID returns the bot's Slack user ID once connected.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.self
}
