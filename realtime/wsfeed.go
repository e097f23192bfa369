package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPingInterval sends a ping on idle connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultPongTimeout bounds how long a read waits without any traffic.
	DefaultPongTimeout = 75 * time.Second
	// DefaultWriteTimeout bounds each outbound frame write.
	DefaultWriteTimeout = 10 * time.Second
)

// WSFeed is a Feed backed by a websocket connection to the relay service.
// Events read off the wire fan out to local subscriptions through an
// embedded Broker; published events are written to the relay, which
// redistributes them to every connected client.
type WSFeed struct {
	conn   *websocket.Conn
	broker *Broker

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	readWG    sync.WaitGroup
}

// DialWSFeed connects to the relay websocket endpoint and starts the read
// and keepalive loops.
func DialWSFeed(url string) (*WSFeed, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime feed %q: %w", url, err)
	}

	feed := &WSFeed{
		conn:   conn,
		broker: NewBroker(),
		closed: make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(DefaultPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(DefaultPongTimeout))
	})

	feed.readWG.Add(2)
	go feed.readLoop()
	go feed.keepAliveLoop()

	return feed, nil
}

// Subscribe registers a local handler for events arriving from the relay.
func (f *WSFeed) Subscribe(resource, filter string, handler Handler) *Subscription {
	return f.broker.Subscribe(resource, filter, handler)
}

// Publish sends an event to the relay for redistribution.
func (f *WSFeed) Publish(event Event) error {
	select {
	case <-f.closed:
		return fmt.Errorf("publish on closed realtime feed")
	default:
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	_ = f.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	if err := f.conn.WriteJSON(event); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Resource, err)
	}

	return nil
}

// Close tears the connection down and waits for the loops to exit. Local
// subscriptions stop receiving as soon as the read loop stops.
func (f *WSFeed) Close() error {
	var closeErr error
	f.closeOnce.Do(func() {
		close(f.closed)

		f.writeMu.Lock()
		_ = f.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
		_ = f.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		f.writeMu.Unlock()

		closeErr = f.conn.Close()
		f.readWG.Wait()
	})
	return closeErr
}

func (f *WSFeed) readLoop() {
	defer f.readWG.Done()

	for {
		var event Event
		if err := f.conn.ReadJSON(&event); err != nil {
			select {
			case <-f.closed:
			default:
				logrus.WithError(err).Warn("realtime feed read loop stopped")
			}
			return
		}
		_ = f.conn.SetReadDeadline(time.Now().Add(DefaultPongTimeout))
		_ = f.broker.Publish(event)
	}
}

func (f *WSFeed) keepAliveLoop() {
	defer f.readWG.Done()

	ticker := time.NewTicker(DefaultPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.writeMu.Lock()
			_ = f.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
			err := f.conn.WriteMessage(websocket.PingMessage, nil)
			f.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-f.closed:
			return
		}
	}
}
