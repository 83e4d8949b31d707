package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis 键布局（均以 "{prefix}:{queue}:" 开头）：
//
//	live       ZSET   score=优先级取负, member=seq:priority:id —— 就绪区，
//	           优先级数值大的 score 小，ZPOPMIN 先弹出最紧急的；
//	           score 相同（同优先级）时按 member 字典序决胜，
//	           member 以零填充序号开头，字典序即入队顺序。
//	delayed    ZSET   score=到期毫秒时间戳, member 同上 —— 延迟区
//	body       HASH   id -> 消息体
//	attempts   HASH   id -> 已交付次数
//	maxatt     HASH   id -> 交付上限
//	processing HASH   member -> 租约截止毫秒时间戳（0 表示无租约）
//	dead       LIST   消息体 —— 死信区，RPUSH 追加，最旧的在表头
//	seq        STRING 队内序号计数器
//
// 每个状态迁移对应一段 Lua 脚本，单脚本内的读改写对 Redis 是原子的，
// 多个进程共享同一队列时不会出现重复交付或状态残留。
const (
	suffixLive       = "live"
	suffixDelayed    = "delayed"
	suffixBody       = "body"
	suffixAttempts   = "attempts"
	suffixMaxAtt     = "maxatt"
	suffixProcessing = "processing"
	suffixDead       = "dead"
	suffixSeq        = "seq"
)

const luaEnqueue = `
local seq = redis.call('INCR', KEYS[5])
local member = string.format('%016d:%s:%s', seq, ARGV[3], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[5])
if tonumber(ARGV[4]) > 0 then
	redis.call('ZADD', KEYS[2], tonumber(ARGV[4]), member)
else
	redis.call('ZADD', KEYS[1], -tonumber(ARGV[3]), member)
end
return member
`

// 每次出队先把到期的延迟消息搬入就绪区（单次最多 128 条，剩余下次继续），
// 再弹出最紧急的一条并登记处理中。
const luaDequeue = `
local due = redis.call('ZRANGEBYSCORE', KEYS[2], 0, ARGV[1], 'LIMIT', 0, 128)
for _, member in ipairs(due) do
	local prio = string.match(member, '^%d+:(-?%d+):')
	redis.call('ZADD', KEYS[1], -tonumber(prio), member)
	redis.call('ZREM', KEYS[2], member)
end
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
	return nil
end
local member = popped[1]
local id = string.match(member, '^%d+:-?%d+:(.+)$')
local attempt = redis.call('HINCRBY', KEYS[4], id, 1)
local maxatt = redis.call('HGET', KEYS[5], id) or '0'
local body = redis.call('HGET', KEYS[3], id) or ''
redis.call('HSET', KEYS[6], member, ARGV[2])
return {member, id, attempt, maxatt, body}
`

const luaAck = `
if redis.call('HDEL', KEYS[4], ARGV[1]) == 0 then
	return 0
end
local id = string.match(ARGV[1], '^%d+:-?%d+:(.+)$')
redis.call('HDEL', KEYS[1], id)
redis.call('HDEL', KEYS[2], id)
redis.call('HDEL', KEYS[3], id)
return 1
`

const luaNack = `
if redis.call('HDEL', KEYS[6], ARGV[1]) == 0 then
	return 'not_found'
end
local prio, id = string.match(ARGV[1], '^%d+:(-?%d+):(.+)$')
if ARGV[2] ~= '' then
	redis.call('HSET', KEYS[2], id, ARGV[2])
end
local attempts = tonumber(redis.call('HGET', KEYS[3], id)) or 0
local maxatt = tonumber(redis.call('HGET', KEYS[4], id)) or 0
if ARGV[3] == '1' and (maxatt <= 0 or attempts < maxatt) then
	local seq = redis.call('INCR', KEYS[7])
	local member = string.format('%016d:%s:%s', seq, prio, id)
	redis.call('ZADD', KEYS[1], -tonumber(prio), member)
	return 'requeued'
end
local body = redis.call('HGET', KEYS[2], id)
if body then
	redis.call('RPUSH', KEYS[5], body)
end
redis.call('HDEL', KEYS[2], id)
redis.call('HDEL', KEYS[3], id)
redis.call('HDEL', KEYS[4], id)
return 'dead'
`

// 回收时交付次数已耗尽的消息转入死信，其余换发新序号回到就绪区队尾；
// 原凭证随回收作废，原持有者迟到的 Ack/Nack 落不到下一次交付上。
const luaReap = `
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local all = redis.call('HGETALL', KEYS[1])
local reaped = 0
for i = 1, #all, 2 do
	local member = all[i]
	local deadline = tonumber(all[i+1]) or 0
	if deadline > 0 and deadline <= now then
		redis.call('HDEL', KEYS[1], member)
		local prio, id = string.match(member, '^%d+:(-?%d+):(.+)$')
		local attempts = tonumber(redis.call('HGET', KEYS[3], id)) or 0
		local maxatt = tonumber(redis.call('HGET', KEYS[4], id)) or 0
		if maxatt > 0 and attempts >= maxatt then
			local body = redis.call('HGET', KEYS[5], id)
			if body then
				redis.call('RPUSH', KEYS[6], body)
			end
			redis.call('HDEL', KEYS[5], id)
			redis.call('HDEL', KEYS[3], id)
			redis.call('HDEL', KEYS[4], id)
		else
			local seq = redis.call('INCR', KEYS[7])
			local fresh = string.format('%016d:%s:%s', seq, prio, id)
			redis.call('ZADD', KEYS[2], -tonumber(prio), fresh)
		end
		reaped = reaped + 1
		if limit > 0 and reaped >= limit then
			break
		end
	end
end
return reaped
`

// RedisBackend 基于 Redis 的存储后端，多进程可共享同一组队列。
// 不持有客户端的生命周期，关闭由创建客户端的一方负责。
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisBackend 创建 Redis 后端。keyPrefix 为空时使用 "fundflow:mq"。
func NewRedisBackend(client redis.UniversalClient, keyPrefix string) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = "fundflow:mq"
	}
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

func (r *RedisBackend) key(queue, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", r.keyPrefix, queue, suffix)
}

// Enqueue 实现 Backend 接口。
func (r *RedisBackend) Enqueue(ctx context.Context, queue, id string, body []byte, priority int, delay time.Duration, maxAttempts int64) error {
	dueMs := int64(0)
	if delay > 0 {
		dueMs = time.Now().Add(delay).UnixMilli()
	}
	keys := []string{
		r.key(queue, suffixLive),
		r.key(queue, suffixDelayed),
		r.key(queue, suffixBody),
		r.key(queue, suffixMaxAtt),
		r.key(queue, suffixSeq),
	}
	if err := r.client.Eval(ctx, luaEnqueue, keys, id, string(body), priority, dueMs, maxAttempts).Err(); err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	return nil
}

// Dequeue 实现 Backend 接口。
func (r *RedisBackend) Dequeue(ctx context.Context, queue string, lease time.Duration) (*Dequeued, error) {
	now := time.Now()
	deadlineMs := int64(0)
	if lease > 0 {
		deadlineMs = now.Add(lease).UnixMilli()
	}
	keys := []string{
		r.key(queue, suffixLive),
		r.key(queue, suffixDelayed),
		r.key(queue, suffixBody),
		r.key(queue, suffixAttempts),
		r.key(queue, suffixMaxAtt),
		r.key(queue, suffixProcessing),
	}
	raw, err := r.client.Eval(ctx, luaDequeue, keys, now.UnixMilli(), deadlineMs).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis dequeue: %w", err)
	}

	fields, ok := raw.([]any)
	if !ok || len(fields) != 5 {
		return nil, fmt.Errorf("redis dequeue: unexpected reply %T", raw)
	}
	member, _ := fields[0].(string)
	id, _ := fields[1].(string)
	attempt, _ := fields[2].(int64)
	maxAttStr, _ := fields[3].(string)
	body, _ := fields[4].(string)

	_, priority, _, err := parseMember(member)
	if err != nil {
		return nil, fmt.Errorf("redis dequeue: %w", err)
	}
	maxAttempts, _ := strconv.ParseInt(maxAttStr, 10, 64)

	return &Dequeued{
		ID:          id,
		Body:        []byte(body),
		Priority:    priority,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Member:      member,
	}, nil
}

// Ack 实现 Backend 接口。
func (r *RedisBackend) Ack(ctx context.Context, queue, member string) (bool, error) {
	keys := []string{
		r.key(queue, suffixBody),
		r.key(queue, suffixAttempts),
		r.key(queue, suffixMaxAtt),
		r.key(queue, suffixProcessing),
	}
	removed, err := r.client.Eval(ctx, luaAck, keys, member).Int()
	if err != nil {
		return false, fmt.Errorf("redis ack: %w", err)
	}
	return removed == 1, nil
}

// Nack 实现 Backend 接口。
func (r *RedisBackend) Nack(ctx context.Context, queue, member string, body []byte, requeue bool) (Outcome, error) {
	keys := []string{
		r.key(queue, suffixLive),
		r.key(queue, suffixBody),
		r.key(queue, suffixAttempts),
		r.key(queue, suffixMaxAtt),
		r.key(queue, suffixDead),
		r.key(queue, suffixProcessing),
		r.key(queue, suffixSeq),
	}
	requeueArg := "0"
	if requeue {
		requeueArg = "1"
	}
	result, err := r.client.Eval(ctx, luaNack, keys, member, string(body), requeueArg).Text()
	if err != nil {
		return OutcomeNotFound, fmt.Errorf("redis nack: %w", err)
	}
	switch result {
	case "requeued":
		return OutcomeRequeued, nil
	case "dead":
		return OutcomeDead, nil
	default:
		return OutcomeNotFound, nil
	}
}

// ReapExpired 实现 Backend 接口。
func (r *RedisBackend) ReapExpired(ctx context.Context, queue string, limit int) (int, error) {
	keys := []string{
		r.key(queue, suffixProcessing),
		r.key(queue, suffixLive),
		r.key(queue, suffixAttempts),
		r.key(queue, suffixMaxAtt),
		r.key(queue, suffixBody),
		r.key(queue, suffixDead),
		r.key(queue, suffixSeq),
	}
	reaped, err := r.client.Eval(ctx, luaReap, keys, time.Now().UnixMilli(), limit).Int()
	if err != nil {
		return 0, fmt.Errorf("redis reap: %w", err)
	}
	return reaped, nil
}

// Peek 实现 Backend 接口。ZSET 按 (score, member 字典序) 排列，
// 正是交付顺序，直接取区间即可。快照为两步读取，不保证与并发出队一致。
func (r *RedisBackend) Peek(ctx context.Context, queue string, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 10
	}
	members, err := r.client.ZRange(ctx, r.key(queue, suffixLive), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis peek: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(members))
	priorities := make([]int, 0, len(members))
	for _, member := range members {
		_, priority, id, perr := parseMember(member)
		if perr != nil {
			return nil, fmt.Errorf("redis peek: %w", perr)
		}
		ids = append(ids, id)
		priorities = append(priorities, priority)
	}

	bodies, err := r.client.HMGet(ctx, r.key(queue, suffixBody), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis peek: %w", err)
	}

	out := make([]*Item, 0, len(ids))
	for i, id := range ids {
		body, _ := bodies[i].(string)
		out = append(out, &Item{ID: id, Body: []byte(body), Priority: priorities[i]})
	}
	return out, nil
}

// PeekDead 实现 Backend 接口。
func (r *RedisBackend) PeekDead(ctx context.Context, queue string, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.client.LRange(ctx, r.key(queue, suffixDead), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis peek dead: %w", err)
	}
	out := make([][]byte, 0, len(rows))
	for _, row := range rows {
		out = append(out, []byte(row))
	}
	return out, nil
}

// Stats 实现 Backend 接口。四个计数通过 pipeline 读取，
// 延迟区中已到期但尚未搬运的消息仍计入 Delayed。
func (r *RedisBackend) Stats(ctx context.Context, queue string) (*Stats, error) {
	pipe := r.client.Pipeline()
	live := pipe.ZCard(ctx, r.key(queue, suffixLive))
	delayed := pipe.ZCard(ctx, r.key(queue, suffixDelayed))
	processing := pipe.HLen(ctx, r.key(queue, suffixProcessing))
	dead := pipe.LLen(ctx, r.key(queue, suffixDead))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis stats: %w", err)
	}
	return &Stats{
		Live:       live.Val(),
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

// Clear 实现 Backend 接口。
func (r *RedisBackend) Clear(ctx context.Context, queue string) error {
	keys := []string{
		r.key(queue, suffixLive),
		r.key(queue, suffixDelayed),
		r.key(queue, suffixBody),
		r.key(queue, suffixAttempts),
		r.key(queue, suffixMaxAtt),
		r.key(queue, suffixProcessing),
		r.key(queue, suffixDead),
		r.key(queue, suffixSeq),
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	return nil
}

// Close 实现 Backend 接口。客户端由外部创建与关闭，这里不做处理。
func (r *RedisBackend) Close() error {
	return nil
}
