package state

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// streamDataField is the single field each stream message carries its
// payload under.
const streamDataField = "d"

// Redis is the State backend for distributed deployments. Strings map to
// plain keys, sets to Redis sets, and streams to Redis streams driven with
// XADD/XRANGE/XDEL. No consumer groups are used: the director owns all
// assignment logic, so there is nothing to ack or claim. Stream adds and
// set adds are pipelined; batch set removal and membership checks go out
// as a single multi-member command.
type Redis struct {
	Client *redis.Client
	Log    zerolog.Logger
}

var _ State = (*Redis)(nil)

type RedisOptions = redis.Options

func NewRedis(options RedisOptions) *Redis {
	return &Redis{
		Client: redis.NewClient(&options),
		Log:    zerolog.New(os.Stdout),
	}
}

// NewRedisFromClient wraps an existing client; used by tests that run
// against miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{
		Client: client,
		Log:    zerolog.New(os.Stdout),
	}
}

func (r *Redis) GetString(ctx context.Context, key string) (string, error) {
	val, err := r.Client.Get(ctx, key).Result()
	if eris.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "")
	}
	return val, nil
}

func (r *Redis) SetString(ctx context.Context, key string, value string, ttl time.Duration) error {
	return eris.Wrap(r.Client.Set(ctx, key, value, ttl).Err(), "")
}

func (r *Redis) StreamAdd(ctx context.Context, key string, data []byte) (string, error) {
	id, err := r.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{streamDataField: data},
	}).Result()
	if err != nil {
		return "", eris.Wrap(err, "")
	}
	return id, nil
}

func (r *Redis) StreamAddBatch(ctx context.Context, key string, datas [][]byte) ([]string, error) {
	pipe := r.Client.Pipeline()
	cmds := make([]*redis.StringCmd, len(datas))
	for i, data := range datas {
		cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			Values: map[string]any{streamDataField: data},
		})
	}
	_, execErr := pipe.Exec(ctx)
	ids := make([]string, len(datas))
	anyOk := false
	for i, cmd := range cmds {
		if id, err := cmd.Result(); err == nil {
			ids[i] = id
			anyOk = true
		}
	}
	if execErr != nil && !anyOk {
		return nil, eris.Wrap(execErr, "")
	}
	return ids, nil
}

func (r *Redis) StreamRead(ctx context.Context, key string, maxCount int64) ([]StreamMessage, error) {
	var msgs []redis.XMessage
	var err error
	if maxCount > 0 {
		msgs, err = r.Client.XRangeN(ctx, key, "-", "+", maxCount).Result()
	} else {
		msgs, err = r.Client.XRange(ctx, key, "-", "+").Result()
	}
	if err != nil {
		return nil, eris.Wrap(err, "")
	}
	out := make([]StreamMessage, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values[streamDataField]
		if !ok {
			r.Log.Warn().Str("stream", key).Str("id", msg.ID).Msg("stream message has no data field")
			continue
		}
		str, ok := raw.(string)
		if !ok {
			r.Log.Warn().Str("stream", key).Str("id", msg.ID).Msg("stream message data is not a string")
			continue
		}
		out = append(out, StreamMessage{ID: msg.ID, Data: []byte(str)})
	}
	return out, nil
}

func (r *Redis) StreamDelete(ctx context.Context, key string) error {
	return eris.Wrap(r.Client.Del(ctx, key).Err(), "")
}

func (r *Redis) StreamDeleteMessages(ctx context.Context, key string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	removed, err := r.Client.XDel(ctx, key, ids...).Result()
	if err != nil {
		return 0, eris.Wrap(err, "")
	}
	return removed, nil
}

func (r *Redis) SetAdd(ctx context.Context, key string, member string) (bool, error) {
	added, err := r.Client.SAdd(ctx, key, member).Result()
	if err != nil {
		return false, eris.Wrap(err, "")
	}
	return added == 1, nil
}

func (r *Redis) SetAddBatch(ctx context.Context, key string, members []string) ([]bool, error) {
	pipe := r.Client.Pipeline()
	cmds := make([]*redis.IntCmd, len(members))
	for i, member := range members {
		cmds[i] = pipe.SAdd(ctx, key, member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, eris.Wrap(err, "")
	}
	added := make([]bool, len(members))
	for i, cmd := range cmds {
		added[i] = cmd.Val() == 1
	}
	return added, nil
}

func (r *Redis) SetRemove(ctx context.Context, key string, member string) (bool, error) {
	removed, err := r.Client.SRem(ctx, key, member).Result()
	if err != nil {
		return false, eris.Wrap(err, "")
	}
	return removed == 1, nil
}

func (r *Redis) SetRemoveBatch(ctx context.Context, key string, members []string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]any, len(members))
	for i, member := range members {
		args[i] = member
	}
	removed, err := r.Client.SRem(ctx, key, args...).Result()
	if err != nil {
		return 0, eris.Wrap(err, "")
	}
	return removed, nil
}

func (r *Redis) SetContains(ctx context.Context, key string, member string) (bool, error) {
	contains, err := r.Client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, eris.Wrap(err, "")
	}
	return contains, nil
}

func (r *Redis) SetContainsBatch(ctx context.Context, key string, members []string) ([]bool, error) {
	if len(members) == 0 {
		return nil, nil
	}
	args := make([]any, len(members))
	for i, member := range members {
		args[i] = member
	}
	contains, err := r.Client.SMIsMember(ctx, key, args...).Result()
	if err != nil {
		return nil, eris.Wrap(err, "")
	}
	return contains, nil
}

func (r *Redis) GetSetValues(ctx context.Context, key string) ([]string, error) {
	values, err := r.Client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, eris.Wrap(err, "")
	}
	return values, nil
}

func (r *Redis) KeyDelete(ctx context.Context, key string) error {
	return eris.Wrap(r.Client.Del(ctx, key).Err(), "")
}

func (r *Redis) KeyType(ctx context.Context, key string) (KeyType, error) {
	keyType, err := r.Client.Type(ctx, key).Result()
	if err != nil {
		return KeyTypeNone, eris.Wrap(err, "")
	}
	switch keyType {
	case "string":
		return KeyTypeString, nil
	case "set":
		return KeyTypeSet, nil
	case "stream":
		return KeyTypeStream, nil
	default:
		return KeyTypeNone, nil
	}
}

func (r *Redis) Close() error {
	r.Log.Info().Msg("Closing state store connection.")
	if err := r.Client.Close(); err != nil {
		return eris.Wrap(err, "")
	}
	return nil
}
