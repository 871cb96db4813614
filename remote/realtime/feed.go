// Package realtime delivers server-side change notifications over a
// websocket connection, reconnecting with backoff until the subscription
// context is cancelled.
package realtime

import (
	"context"
	"net/url"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"sheetbox/internal/utils"
	"sheetbox/remote"
)

const (
	// reconnectBase is the initial reconnect delay after a dropped feed.
	reconnectBase = 1 * time.Second
	// reconnectMax caps the reconnect delay.
	reconnectMax = 30 * time.Second
)

// Config holds change feed settings.
type Config struct {
	URL    string
	Token  string
	Table  string
	Filter remote.Filter
}

// Feed is a websocket subscription to the server's change stream.
type Feed struct {
	cfg Config
}

// New creates a Feed. No connection is made until Subscribe.
func New(cfg Config) *Feed {
	return &Feed{cfg: cfg}
}

// Subscribe opens the feed and returns a channel of change events. The
// channel closes when ctx is cancelled. Dropped connections reconnect with
// exponential backoff; events are not replayed across reconnects — the
// background sync driver reconciles any gap on its next run.
func (f *Feed) Subscribe(ctx context.Context) (<-chan remote.ChangeEvent, error) {
	endpoint, err := f.buildURL()
	if err != nil {
		return nil, err
	}

	events := make(chan remote.ChangeEvent, 16)
	go f.run(ctx, endpoint, events)
	return events, nil
}

func (f *Feed) buildURL() (string, error) {
	u, err := url.Parse(f.cfg.URL)
	if err != nil {
		return "", err
	}
	query := u.Query()
	if f.cfg.Table != "" {
		query.Set("table", f.cfg.Table)
	}
	for k, v := range f.cfg.Filter {
		query.Set(k, v)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (f *Feed) run(ctx context.Context, endpoint string, events chan<- remote.ChangeEvent) {
	defer close(events)

	delay := reconnectBase
	for ctx.Err() == nil {
		if err := f.consume(ctx, endpoint, events); err != nil && ctx.Err() == nil {
			utils.Debugf("change feed dropped: %v (reconnecting in %v)", err, delay)
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// consume holds one websocket connection open, forwarding events until the
// connection drops or ctx is cancelled. A successful read resets the caller's
// backoff by returning only on failure.
func (f *Feed) consume(ctx context.Context, endpoint string, events chan<- remote.ChangeEvent) error {
	opts := &websocket.DialOptions{}
	if f.cfg.Token != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + f.cfg.Token},
		}
	}

	conn, _, err := websocket.Dial(ctx, endpoint, opts)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	for {
		var event remote.ChangeEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			return err
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
