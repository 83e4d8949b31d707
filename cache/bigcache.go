package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3" // 高性能本地缓存库
)

// BigCache 实现了 `Cache` 接口，使用 `allegro/bigcache` 作为底层存储。
// 用于报表片段、行情快照等进程内热数据，避免每次命中 Redis。
type BigCache struct {
	cache *bigcache.BigCache // 底层的BigCache实例
}

// NewBigCache 创建并返回一个新的 BigCache 实例。
// ttl: 缓存项的全局过期时间。BigCache对所有项统一设置过期时间。
// maxMB: 缓存的最大容量（单位MB），用于控制内存使用。
func NewBigCache(ttl time.Duration, maxMB int) (*BigCache, error) {
	config := bigcache.DefaultConfig(ttl)
	config.HardMaxCacheSize = maxMB      // 设置硬性最大缓存大小（MB）
	config.CleanWindow = 5 * time.Minute // 垃圾回收周期，BigCache会在此周期内清理过期项。

	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("init bigcache failed: %w", err)
	}

	return &BigCache{cache: cache}, nil
}

// Get 从BigCache中获取指定键的值。
// value 参数必须是一个指针，缓存的数据会反序列化到其中。
func (c *BigCache) Get(ctx context.Context, key string, value any) error {
	data, err := c.cache.Get(key)
	if err != nil {
		if err == bigcache.ErrEntryNotFound {
			return fmt.Errorf("%w: %s", ErrCacheMiss, key)
		}
		return err
	}
	return json.Unmarshal(data, value)
}

// Set 将一个键值对设置到BigCache中。
// 注意：BigCache不支持为每个单独的键设置过期时间，它使用 `NewBigCache` 中定义的全局TTL，
// 因此这里的 `expiration` 参数将被忽略。
func (c *BigCache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.cache.Set(key, data)
}

// Delete 从BigCache中删除一个或多个键。
// 如果键不存在，不会返回错误。
func (c *BigCache) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := c.cache.Delete(key); err != nil {
			// 忽略“未找到”错误，只处理其他真正的删除错误
			if err != bigcache.ErrEntryNotFound {
				return err
			}
		}
	}
	return nil
}

// Exists 检查BigCache中是否存在指定的键。
func (c *BigCache) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.cache.Get(key)
	if err == nil {
		return true, nil
	}
	if err == bigcache.ErrEntryNotFound {
		return false, nil
	}
	return false, err
}

// Close 关闭BigCache实例，释放其占用的资源。
func (c *BigCache) Close() error {
	return c.cache.Close()
}
