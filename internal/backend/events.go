package backend

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourorg/stockroom/internal/domain"
	"github.com/yourorg/stockroom/internal/observability/metrics"
)

// dispatcher serializes auth events through a single goroutine so
// subscribers observe them in exactly the order the backend emitted them,
// with no reordering or coalescing.
type dispatcher struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]func(domain.AuthEvent)
	nextID int

	ch   chan domain.AuthEvent
	quit chan struct{}
	done chan struct{}
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		logger: logger,
		subs:   map[int]func(domain.AuthEvent){},
		ch:     make(chan domain.AuthEvent, 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		case ev := <-d.ch:
			metrics.ObserveAuthEvent(string(ev.Kind))

			d.mu.Lock()
			ids := make([]int, 0, len(d.subs))
			for id := range d.subs {
				ids = append(ids, id)
			}
			sort.Ints(ids)
			fns := make([]func(domain.AuthEvent), 0, len(ids))
			for _, id := range ids {
				fns = append(fns, d.subs[id])
			}
			d.mu.Unlock()

			for _, fn := range fns {
				fn(ev)
			}
		}
	}
}

// emit blocks until the event is queued, preserving emission order.
// Events emitted after close are dropped.
func (d *dispatcher) emit(ev domain.AuthEvent) {
	select {
	case <-d.quit:
	case d.ch <- ev:
	}
}

func (d *dispatcher) subscribe(fn func(domain.AuthEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	d.subs = map[int]func(domain.AuthEvent){}
	d.mu.Unlock()

	select {
	case <-d.quit:
	default:
		close(d.quit)
	}
	<-d.done
}

// realtimeMessage is the wire shape of an auth event on the websocket
// channel.
type realtimeMessage struct {
	Event   string           `json:"event"`
	Session *sessionEnvelope `json:"session"`
}

// realtimeListener maintains a websocket subscription to the backend's
// auth channel so sign-outs and token refreshes performed elsewhere reach
// this process without a restart.
type realtimeListener struct {
	client *Client
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newRealtimeListener(client *Client, logger *slog.Logger) *realtimeListener {
	return &realtimeListener{
		client: client,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

func (l *realtimeListener) start() {
	l.wg.Add(1)
	go l.run()
}

func (l *realtimeListener) stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *realtimeListener) run() {
	defer l.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		token := l.client.accessToken()
		if token == "" {
			// Nothing to listen for until a user signs in.
			if !l.sleep(backoff) {
				return
			}
			continue
		}

		if err := l.listen(token); err != nil {
			l.logger.Warn("realtime channel disconnected",
				slog.String("error", err.Error()),
				slog.Duration("reconnect_in", backoff),
			)
		}
		if !l.sleep(backoff) {
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (l *realtimeListener) sleep(d time.Duration) bool {
	select {
	case <-l.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (l *realtimeListener) listen(token string) error {
	wsURL := strings.Replace(l.client.baseURL, "http", "ws", 1) + "/realtime/v1/auth"

	header := http.Header{}
	header.Set("apikey", l.client.anonKey)
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock the read loop when stopping.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-l.stopCh:
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg realtimeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-l.stopCh:
				return nil
			default:
				return err
			}
		}
		l.apply(msg)
	}
}

// apply folds a remote event into local session state before fan-out, so a
// sign-out on another device also signs this process out.
func (l *realtimeListener) apply(msg realtimeMessage) {
	switch domain.AuthEventKind(msg.Event) {
	case domain.AuthSignedOut:
		l.client.clearSession()
		l.client.events.emit(domain.AuthEvent{Kind: domain.AuthSignedOut})
	case domain.AuthTokenRefreshed, domain.AuthSignedIn:
		if msg.Session == nil {
			return
		}
		sess := msg.Session.toSession(time.Now())
		l.client.setSession(sess)
		l.client.events.emit(domain.AuthEvent{Kind: domain.AuthEventKind(msg.Event), Session: sess})
	default:
		l.logger.Debug("ignoring unknown realtime event", slog.String("event", msg.Event))
	}
}
