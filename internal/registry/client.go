// Package registry mirrors surface id assignments into an external Redis
// store so other processes can look ids up by application id and back.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/surfid/surfid/internal/util"
)

const (
	// reverseKeyPrefix prefixes the surface-id → app-id mapping keys.
	reverseKeyPrefix = "SURID-"

	connectAttempts = 10
	connectBackoff  = time.Second
	commandTimeout  = 3 * time.Second
)

// Client talks to the registry. All operations degrade to no-ops when the
// endpoint is disabled or the connection could not be established; no
// registry failure ever reaches the assignment path.
type Client struct {
	logger *util.Logger
	addr   string

	// mu guards rdb: Close runs on the engine goroutine while the control
	// server reads the connection state concurrently.
	mu  sync.Mutex
	rdb *redis.Client

	failures atomic.Uint64
}

// Status is the serializable view of the client's connection state.
type Status struct {
	Configured bool   `json:"configured"`
	Connected  bool   `json:"connected"`
	Addr       string `json:"addr,omitempty"`
	Failures   uint64 `json:"failures,omitempty"`
}

// Disabled returns a client with registry integration turned off.
func Disabled(logger *util.Logger) *Client {
	logger.Infof("registry integration disabled")
	return &Client{logger: logger}
}

// Dial connects to the registry at addr, retrying on a fixed backoff. After
// the retry budget is spent the client is left disabled rather than failing
// the caller. Dial blocks and is intended for startup only.
func Dial(addr string, logger *util.Logger) *Client {
	return dial(addr, logger, connectAttempts, connectBackoff)
}

func dial(addr string, logger *util.Logger, attempts int, backoff time.Duration) *Client {
	c := &Client{logger: logger, addr: addr}
	logger.Infof("connecting to registry at %s", addr)

	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  commandTimeout,
		ReadTimeout:  commandTimeout,
		WriteTimeout: commandTimeout,
	})
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			logger.Infof("connected to registry")
			c.mu.Lock()
			c.rdb = rdb
			c.mu.Unlock()
			return c
		}
		if attempt >= attempts {
			logger.Errorf("giving up on registry after %d attempts: %v", attempt, err)
			rdb.Close()
			return c
		}
		time.Sleep(backoff)
	}
}

// Connected reports whether registry commands will be issued.
func (c *Client) Connected() bool {
	return c.conn() != nil
}

func (c *Client) conn() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rdb
}

// Register writes the forward (appID → surfaceID) and reverse
// (SURID-<id> → appID) mappings. Best effort: failures are logged only.
func (c *Client) Register(appID string, surfaceID uint32) {
	rdb := c.conn()
	if rdb == nil {
		return
	}
	if appID == "" {
		c.logger.Warnf("registry: refusing to register empty app id")
		return
	}
	if surfaceID == 0 {
		c.logger.Warnf("registry: refusing to register invalid surface id %d", surfaceID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	ok := true
	if err := rdb.Set(ctx, appID, strconv.FormatUint(uint64(surfaceID), 10), 0).Err(); err != nil {
		c.fail("set forward mapping", err)
		ok = false
	}
	if err := rdb.Set(ctx, reverseKey(surfaceID), appID, 0).Err(); err != nil {
		c.fail("set reverse mapping", err)
		ok = false
	}
	if ok {
		c.logger.Infof("registered %s@%d", appID, surfaceID)
	}
}

// Unregister removes the mappings for surfaceID. The reverse mapping is
// consulted to recover the app id; when it is absent only the reverse-key
// deletion is attempted, which makes the operation idempotent.
func (c *Client) Unregister(surfaceID uint32) {
	rdb := c.conn()
	if rdb == nil || surfaceID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	appID, err := rdb.Get(ctx, reverseKey(surfaceID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.fail("get reverse mapping", err)
		appID = ""
	}
	if err := rdb.Del(ctx, reverseKey(surfaceID)).Err(); err != nil {
		c.fail("del reverse mapping", err)
	}
	if appID == "" {
		return
	}
	if err := rdb.Del(ctx, appID).Err(); err != nil {
		c.fail("del forward mapping", err)
	}
	c.logger.Infof("unregistered %s@%d", appID, surfaceID)
}

// Close releases the connection. Safe on a disabled client and safe to
// call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	rdb := c.rdb
	c.rdb = nil
	c.mu.Unlock()
	if rdb == nil {
		return
	}
	if err := rdb.Close(); err != nil {
		c.logger.Warnf("registry close: %v", err)
	}
}

// Snapshot returns the connection state for introspection.
func (c *Client) Snapshot() Status {
	return Status{
		Configured: c.addr != "",
		Connected:  c.Connected(),
		Addr:       c.addr,
		Failures:   c.failures.Load(),
	}
}

func (c *Client) fail(op string, err error) {
	c.failures.Add(1)
	c.logger.Warnf("registry: %s: %v", op, err)
}

func reverseKey(surfaceID uint32) string {
	return fmt.Sprintf("%s%d", reverseKeyPrefix, surfaceID)
}
