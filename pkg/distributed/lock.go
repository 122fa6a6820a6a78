package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLeaseHeld = errors.New("lease held by another owner")
	ErrLeaseLost = errors.New("lease lost")
)

var (
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

// Lease is an exclusive, self-renewing claim on a Redis key. It keeps two
// mixer processes from driving the same session.
type Lease struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration

	mu     sync.Mutex
	held   bool
	stop   chan struct{}
	lost   chan struct{}
	doneWg sync.WaitGroup
}

func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		value:  generateLeaseValue(),
		ttl:    ttl,
	}
}

func generateLeaseValue() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Acquire claims the key once. ErrLeaseHeld means another owner has it.
func (l *Lease) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil
	}

	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !acquired {
		return fmt.Errorf("%s: %w", l.key, ErrLeaseHeld)
	}

	l.held = true
	l.stop = make(chan struct{})
	l.lost = make(chan struct{})
	l.doneWg.Add(1)
	go l.renew(l.stop, l.lost)
	return nil
}

// Lost is closed when renewal finds the key gone or owned by someone else.
func (l *Lease) Lost() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// Release stops renewal and deletes the key if it is still ours.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	close(l.stop)
	l.mu.Unlock()
	l.doneWg.Wait()

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *Lease) renew(stop, lost chan struct{}) {
	defer l.doneWg.Done()
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				// Transient; the next tick retries before the TTL runs out.
				continue
			}
			if n == 0 {
				close(lost)
				return
			}
		}
	}
}

// LeaseManager builds leases under a common key prefix.
type LeaseManager struct {
	client *redis.Client
	prefix string
}

func NewLeaseManager(client *redis.Client, prefix string) *LeaseManager {
	return &LeaseManager{
		client: client,
		prefix: prefix,
	}
}

func (m *LeaseManager) Lease(name string, ttl time.Duration) *Lease {
	return NewLease(m.client, m.prefix+name, ttl)
}
