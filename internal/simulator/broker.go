package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrStatusNotFound is returned when a session has no deployment record.
var ErrStatusNotFound = errors.New("deployment status not found")

// Event is the unit published on a session's deployment log stream; the
// websocket endpoint turns it into an envelope of the same type.
type Event struct {
	Type string          `json:"event_type"`
	Data json.RawMessage `json:"data"`
}

// Broker fans deployment events out to a session's subscribers.
type Broker interface {
	Publish(ctx context.Context, sessionID string, ev Event) error
	// Subscribe returns a channel of events for the session and a stop
	// function that releases the subscription and closes the channel.
	Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error)
	Close() error
}

// DeploymentStatus is the stored point-in-time record the status endpoint
// serves.
type DeploymentStatus struct {
	SessionID   string  `json:"session_id"`
	Status      string  `json:"status"`
	Playbook    string  `json:"playbook"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at"`
	ExitCode    *int    `json:"exit_code"`
}

// StatusStore persists per-session deployment status.
type StatusStore interface {
	Set(ctx context.Context, sessionID string, status DeploymentStatus) error
	Get(ctx context.Context, sessionID string) (*DeploymentStatus, error)
}

// ---- in-memory implementations ----

// MemoryBroker is a process-local broker for single-node runs and tests.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewMemoryBroker constructs an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[chan Event]struct{})}
}

// Publish delivers ev to every live subscriber of the session. Slow
// subscribers lose events rather than block the publisher.
func (b *MemoryBroker) Publish(_ context.Context, sessionID string, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[sessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber for the session.
func (b *MemoryBroker) Subscribe(_ context.Context, sessionID string) (<-chan Event, func(), error) {
	ch := make(chan Event, 256)
	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan Event]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[sessionID], ch)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, stop, nil
}

// Close is a no-op for the in-memory broker.
func (b *MemoryBroker) Close() error { return nil }

// MemoryStatusStore keeps deployment records in a map.
type MemoryStatusStore struct {
	mu      sync.Mutex
	records map[string]DeploymentStatus
}

// NewMemoryStatusStore constructs an empty store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{records: make(map[string]DeploymentStatus)}
}

// Set stores the record for a session.
func (s *MemoryStatusStore) Set(_ context.Context, sessionID string, status DeploymentStatus) error {
	s.mu.Lock()
	s.records[sessionID] = status
	s.mu.Unlock()
	return nil
}

// Get returns the record for a session or ErrStatusNotFound.
func (s *MemoryStatusStore) Get(_ context.Context, sessionID string) (*DeploymentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[sessionID]
	if !ok {
		return nil, ErrStatusNotFound
	}
	return &record, nil
}

// ---- redis implementations ----

// Redis key layout, kept compatible with the provisioning API it stands in
// for: session:{id}:deploy:logs is the pub/sub channel,
// session:{id}:deploy:status holds the status record.
func logChannelKey(sessionID string) string {
	return fmt.Sprintf("session:%s:deploy:logs", sessionID)
}

func statusKey(sessionID string) string {
	return fmt.Sprintf("session:%s:deploy:status", sessionID)
}

// RedisBroker publishes deployment events through redis pub/sub so several
// simulator replicas can serve the same session.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects and pings the redis server.
func NewRedisBroker(addr, password string, db int) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisBroker{client: client}, nil
}

// Publish sends ev on the session's log channel.
func (b *RedisBroker) Publish(ctx context.Context, sessionID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, logChannelKey(sessionID), payload).Err()
}

// Subscribe listens on the session's log channel until stop is called.
func (b *RedisBroker) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error) {
	pubsub := b.client.Subscribe(ctx, logChannelKey(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}
	events := make(chan Event, 256)
	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			default:
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() { _ = pubsub.Close() })
	}
	return events, stop, nil
}

// Close releases the redis connection.
func (b *RedisBroker) Close() error { return b.client.Close() }

// RedisStatusStore keeps deployment records in redis with a TTL so stale
// sessions expire on their own.
type RedisStatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStatusStore wraps an existing client; ttl bounds record lifetime.
func NewRedisStatusStore(client *redis.Client, ttl time.Duration) *RedisStatusStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStatusStore{client: client, ttl: ttl}
}

// Client exposes the underlying redis client so a broker and store can share
// one connection pool.
func (b *RedisBroker) Client() *redis.Client { return b.client }

// Set stores the record under the session status key.
func (s *RedisStatusStore) Set(ctx context.Context, sessionID string, status DeploymentStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, statusKey(sessionID), payload, s.ttl).Err()
}

// Get returns the record or ErrStatusNotFound.
func (s *RedisStatusStore) Get(ctx context.Context, sessionID string) (*DeploymentStatus, error) {
	payload, err := s.client.Get(ctx, statusKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStatusNotFound
	}
	if err != nil {
		return nil, err
	}
	var status DeploymentStatus
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		return nil, err
	}
	return &status, nil
}
