// Package bridge connects the request-interception layer to live store
// clients. The interceptor cannot assume a store handle is attached, so it
// asks whoever is registered and treats silence as a cache miss.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"trailgate/internal/store"
)

// DefaultTimeout bounds a single round trip. A client that does not answer
// in time is indistinguishable from a miss.
const DefaultTimeout = 1500 * time.Millisecond

// Query asks a client to resolve a key from one of the store namespaces.
type Query struct {
	DB  store.Kind `json:"dbType"`
	Key string     `json:"key"`
}

// Result answers a Query. Payload is handed over by reference, never
// copied, so the answering client must not retain it.
type Result struct {
	Found       bool   `json:"found"`
	Payload     []byte `json:"payload,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Handler answers queries on behalf of a registered client.
type Handler func(Query) Result

// Client is a registered answering party.
type Client struct {
	handler Handler
}

// Broker routes queries from the interception layer to registered clients.
type Broker struct {
	mu      sync.RWMutex
	clients []*Client
	timeout time.Duration
	log     *logrus.Entry
}

// Option configures a Broker.
type Option func(*Broker)

// WithTimeout overrides the round-trip timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the logger for the broker.
func WithLogger(log *logrus.Entry) Option {
	return func(b *Broker) {
		b.log = log
	}
}

// NewBroker creates a broker with no clients attached.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		timeout: DefaultTimeout,
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register attaches a client. The returned client handle is used to detach
// it again.
func (b *Broker) Register(h Handler) *Client {
	c := &Client{handler: h}
	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c
}

// Unregister detaches a previously registered client.
func (b *Broker) Unregister(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.clients {
		if existing == c {
			b.clients = append(b.clients[:i], b.clients[i+1:]...)
			return
		}
	}
}

// ClientCount returns the number of attached clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Request sends the query to the first attached client and waits for its
// answer. It resolves immediately to not-found when no client is attached,
// and never blocks longer than the configured timeout: a late or missing
// answer is reported as Found == false, never as an error.
func (b *Broker) Request(ctx context.Context, q Query) Result {
	b.mu.RLock()
	var c *Client
	if len(b.clients) > 0 {
		c = b.clients[0]
	}
	b.mu.RUnlock()

	if c == nil {
		return Result{Found: false}
	}

	answer := make(chan Result, 1)
	go func() {
		answer <- c.handler(q)
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-answer:
		return res
	case <-timer.C:
		b.log.Debugf("bridge: %s/%s timed out after %s", q.DB, q.Key, b.timeout)
		return Result{Found: false}
	case <-ctx.Done():
		return Result{Found: false}
	}
}

// StoreClient answers bridge queries straight from the key-value store.
// A storage fault is answered as not-found; the caller falls back to the
// network either way.
func StoreClient(s *store.Store, log *logrus.Entry) Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return func(q Query) Result {
		rec, found, err := s.Get(q.DB, q.Key)
		if err != nil {
			log.Warnf("bridge store lookup failed for %s/%s: %v", q.DB, q.Key, err)
			return Result{Found: false}
		}
		if !found {
			return Result{Found: false}
		}
		return Result{Found: true, Payload: rec.Data, ContentType: rec.ContentType}
	}
}
