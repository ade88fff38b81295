package store

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// CacheIndex 指纹 -> generation id 的去重索引。
// redis 只是快路径，真值以 MySQL 记录为准；调用方在命中后仍需核对记录状态，
// 发现指向已失败/已取消的记录时调用 Release 清掉脏条目。
type CacheIndex struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCacheIndex(addr string, ttl time.Duration) (*CacheIndex, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &CacheIndex{client: client, ttl: ttl}, nil
}

// NewCacheIndexWithClient 测试注入用
func NewCacheIndexWithClient(client *redis.Client, ttl time.Duration) *CacheIndex {
	return &CacheIndex{client: client, ttl: ttl}
}

func key(hash string) string {
	return "genpipe:fp:" + hash
}

// Claim 尝试以 SETNX 占住指纹。返回 true 表示本次请求是该指纹的第一个持有者；
// 返回 false 时 existing 为已持有该指纹的 generation id。
func (c *CacheIndex) Claim(ctx context.Context, hash, generationID string) (ok bool, existing string, err error) {
	set, err := c.client.SetNX(ctx, key(hash), generationID, c.ttl).Result()
	if err != nil {
		return false, "", err
	}
	if set {
		return true, "", nil
	}
	existing, err = c.client.Get(ctx, key(hash)).Result()
	if err == redis.Nil {
		// 条目在两步之间过期，当作占用成功处理会引入重复，这里让调用方重试
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return false, existing, nil
}

// Lookup 查询指纹当前指向的 generation id
func (c *CacheIndex) Lookup(ctx context.Context, hash string) (string, error) {
	v, err := c.client.Get(ctx, key(hash)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// Release 删除指纹条目。generation 进入 failed/cancelled 后必须调用，
// 否则失败的前序会继续挡住相同请求。
func (c *CacheIndex) Release(ctx context.Context, hash string) error {
	return c.client.Del(ctx, key(hash)).Err()
}

func (c *CacheIndex) Close() error {
	return c.client.Close()
}
