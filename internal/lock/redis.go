package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"alert-trader/internal/config"
)

// unlockLua 仅当值与持有者 token 一致时删除 key。
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua 仅当值与持有者 token 一致时续期。
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// Redis 使用 SETNX + TTL 实现跨进程锁，TTL 防止持有者崩溃后死锁。
// 持有期间每 ttl/3 续期一次，直到解锁或锁已被他人接管。
type Redis struct {
	rdb      redis.UniversalClient
	unlockSc *redis.Script
	extendSc *redis.Script
	ttl      time.Duration
	poll     time.Duration
	logger   *zap.Logger
}

var _ Locker = (*Redis)(nil)

// NewRedis 按配置连接 Redis 并校验可用。
func NewRedis(ctx context.Context, cfg config.LockConfig, logger *zap.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("lock: 连接 Redis %s 失败: %w", cfg.RedisAddr, err)
	}
	return NewRedisWithClient(rdb, cfg.TTL, cfg.PollInterval, logger), nil
}

// NewRedisWithClient 基于已有客户端创建锁。
func NewRedisWithClient(rdb redis.UniversalClient, ttl, poll time.Duration, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Redis{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		ttl:      ttl,
		poll:     poll,
		logger:   logger,
	}
}

func lockKey(key string) string {
	return "alert-trader:lock:" + key
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	for {
		ok, err := r.rdb.SetNX(ctx, lk, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrLockHeld, key, ctx.Err())
			}
			return nil, fmt.Errorf("lock: 获取锁 %s 失败: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %v", ErrLockHeld, key, ctx.Err())
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(stop, r.ttl/3, func() (bool, error) {
			return r.extend(lk, token)
		}, r.logger.With(zap.String("key", key)))
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// 调用方 ctx 可能已取消，解锁使用独立超时。
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.unlockSc.Run(unlockCtx, r.rdb, []string{lk}, token).Err(); err != nil {
				r.logger.Warn("释放 Redis 锁失败", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

func (r *Redis) extend(lk, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
	defer cancel()
	n, err := r.extendSc.Run(ctx, r.rdb, []string{lk}, token, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// keepAlive 按 interval 调用 extend，stop 关闭或 extend 返回 false 时退出。
// 单次续期出错只记录，TTL 内仍有后续机会。
func keepAlive(stop <-chan struct{}, interval time.Duration, extend func() (bool, error), logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := extend()
			if err != nil {
				logger.Warn("续期 Redis 锁失败", zap.Error(err))
				continue
			}
			if !ok {
				logger.Warn("Redis 锁已失效，停止续期")
				return
			}
		}
	}
}

// Close 关闭底层连接。
func (r *Redis) Close() error {
	return r.rdb.Close()
}
