package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jwalitptl/syncqueue/internal/model"
	"github.com/jwalitptl/syncqueue/internal/repository"
)

// The lock value is "<owner>|<unix nanos>". The key TTL is the stale
// threshold, so an abandoned lock simply expires.
var (
	acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or string.sub(cur, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|" then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

	releaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur ~= false and string.sub(cur, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. "|" then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

type DrainLocker struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewDrainLocker(client *redis.Client, prefix string) *DrainLocker {
	return &DrainLocker{client: client, key: prefix + repository.DrainLockKey, now: time.Now}
}

var _ repository.DrainLocker = (*DrainLocker)(nil)

func (l *DrainLocker) Acquire(ctx context.Context, owner string, staleAfter time.Duration) (bool, error) {
	value := owner + "|" + strconv.FormatInt(l.now().UnixNano(), 10)
	n, err := acquireScript.Run(ctx, l.client, []string{l.key}, owner, value, staleAfter.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire drain lock: %w", err)
	}
	return n == 1, nil
}

func (l *DrainLocker) Release(ctx context.Context, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release drain lock: %w", err)
	}
	return nil
}

func (l *DrainLocker) Holder(ctx context.Context) (*model.DrainLock, error) {
	val, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read drain lock: %w", err)
	}

	i := strings.LastIndex(val, "|")
	if i < 0 {
		return nil, fmt.Errorf("malformed drain lock value %q", val)
	}
	nanos, err := strconv.ParseInt(val[i+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed drain lock value %q: %w", val, err)
	}
	return &model.DrainLock{Owner: val[:i], Timestamp: time.Unix(0, nanos).UTC()}, nil
}
