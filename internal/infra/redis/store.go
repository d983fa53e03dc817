package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vietddude/txreplay/internal/core/cause"
	"github.com/vietddude/txreplay/internal/core/domain"
	"github.com/vietddude/txreplay/internal/infra/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	statusOpen       = "open"
	statusClosed     = "closed"
	statusCommitted  = "committed"
	statusRolledBack = "rolled_back"
)

var errConflict = errors.New("read set changed")

type mutation struct {
	Kind   domain.OpKind  `json:"kind"`
	Key    domain.Key     `json:"key"`
	Entity *domain.Entity `json:"entity,omitempty"`
}

// hashReader is satisfied by both *redis.Client and *redis.Tx.
type hashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// translate converts go-redis errors into raw causes.
func (c *Client) translate(err error) error {
	if err == nil || cause.IsLocalCancel(err) {
		return err
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, errConflict) {
		return storage.Contention(c.scopeHints)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, redis.ErrClosed) {
		return storage.Unavailable(err)
	}
	// Server replies such as WRONGTYPE are not transport failures.
	return cause.New(codes.Unknown, err.Error(), cause.ScopeUnknown)
}

func (c *Client) Begin(ctx context.Context) (storage.TxID, error) {
	id := storage.TxID(uuid.New().String())
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.txKey(id), "status", statusOpen)
		pipe.Expire(ctx, c.txKey(id), c.txTTL)
		return nil
	})
	if err != nil {
		return "", c.translate(err)
	}
	return id, nil
}

// live checks that id is open and extends its TTL. An expired transaction
// has no hash left and is reported like any other closed one.
func (c *Client) live(ctx context.Context, id storage.TxID) error {
	st, err := c.rdb.HGet(ctx, c.txKey(id), "status").Result()
	if err == redis.Nil || (err == nil && st != statusOpen) {
		return storage.TxClosed(id)
	}
	if err != nil {
		return err
	}
	return c.rdb.Expire(ctx, c.txKey(id), c.txTTL).Err()
}

func (c *Client) close(ctx context.Context, id storage.TxID) {
	if err := c.rdb.HSet(ctx, c.txKey(id), "status", statusClosed).Err(); err != nil {
		slog.Debug("Failed to close transaction, ignoring", "tx", id, "error", err)
	}
}

// version returns the committed version of key, 0 when absent.
func version(ctx context.Context, cmd hashReader, key string) (uint64, error) {
	v, err := cmd.HGet(ctx, key, "version").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// validate compares recorded read versions with the committed ones.
func (c *Client) validate(ctx context.Context, cmd hashReader, reads map[string]string) error {
	for k, recorded := range reads {
		key, err := domain.ParseKey(k)
		if err != nil {
			return err
		}
		cur, err := version(ctx, cmd, c.entityKey(key))
		if err != nil {
			return err
		}
		if strconv.FormatUint(cur, 10) != recorded {
			return errConflict
		}
	}
	return nil
}

func (c *Client) Get(ctx context.Context, id storage.TxID, key domain.Key) (*domain.Entity, error) {
	if err := c.live(ctx, id); err != nil {
		return nil, c.translate(err)
	}

	reads, err := c.rdb.HGetAll(ctx, c.readsKey(id)).Result()
	if err != nil {
		return nil, c.translate(err)
	}
	if err := c.validate(ctx, c.rdb, reads); err != nil {
		if errors.Is(err, errConflict) {
			c.close(ctx, id)
		}
		return nil, c.translate(err)
	}

	vals, err := c.rdb.HMGet(ctx, c.entityKey(key), "version", "data").Result()
	if err != nil {
		return nil, c.translate(err)
	}

	var ver uint64
	if s, ok := vals[0].(string); ok {
		ver, _ = strconv.ParseUint(s, 10, 64)
	}
	if _, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, c.readsKey(id), key.String(), strconv.FormatUint(ver, 10))
		pipe.Expire(ctx, c.readsKey(id), c.txTTL)
		return nil
	}); err != nil {
		return nil, c.translate(err)
	}

	data, ok := vals[1].(string)
	if !ok {
		return nil, nil
	}
	e := domain.NewEntity(key)
	if err := json.Unmarshal([]byte(data), &e.Properties); err != nil {
		return nil, fmt.Errorf("failed to decode entity %s: %w", key, err)
	}
	return e, nil
}

func (c *Client) Put(ctx context.Context, id storage.TxID, e *domain.Entity) error {
	return c.write(ctx, id, e.Key, mutation{Kind: domain.OpPut, Key: e.Key, Entity: e})
}

func (c *Client) Update(ctx context.Context, id storage.TxID, e *domain.Entity) error {
	return c.write(ctx, id, e.Key, mutation{Kind: domain.OpUpdate, Key: e.Key, Entity: e})
}

func (c *Client) Delete(ctx context.Context, id storage.TxID, key domain.Key) error {
	return c.write(ctx, id, key, mutation{Kind: domain.OpDelete, Key: key})
}

func (c *Client) write(ctx context.Context, id storage.TxID, key domain.Key, m mutation) error {
	if key.Kind == "" || key.Name == "" {
		return storage.InvalidArgument("incomplete key: " + key.String())
	}
	if err := c.live(ctx, id); err != nil {
		return c.translate(err)
	}

	if m.Kind == domain.OpUpdate {
		exists, err := c.exists(ctx, id, key)
		if err != nil {
			return c.translate(err)
		}
		if !exists {
			return storage.NoEntity(key)
		}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode mutation: %w", err)
	}
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.writesKey(id), key.String(), data)
		pipe.Expire(ctx, c.writesKey(id), c.txTTL)
		return nil
	})
	return c.translate(err)
}

// exists reports whether key exists as seen by transaction id.
func (c *Client) exists(ctx context.Context, id storage.TxID, key domain.Key) (bool, error) {
	raw, err := c.rdb.HGet(ctx, c.writesKey(id), key.String()).Result()
	if err == nil {
		var m mutation
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return false, err
		}
		return m.Kind != domain.OpDelete, nil
	}
	if err != redis.Nil {
		return false, err
	}
	n, err := c.rdb.Exists(ctx, c.entityKey(key)).Result()
	return n > 0, err
}

func (c *Client) Commit(ctx context.Context, id storage.TxID) error {
	if err := c.live(ctx, id); err != nil {
		return c.translate(err)
	}

	reads, err := c.rdb.HGetAll(ctx, c.readsKey(id)).Result()
	if err != nil {
		return c.translate(err)
	}
	rawWrites, err := c.rdb.HGetAll(ctx, c.writesKey(id)).Result()
	if err != nil {
		return c.translate(err)
	}

	keys := make([]string, 0, len(rawWrites))
	writes := make(map[string]mutation, len(rawWrites))
	for k, raw := range rawWrites {
		var m mutation
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return fmt.Errorf("failed to decode mutation %s: %w", k, err)
		}
		writes[k] = m
		keys = append(keys, k)
	}
	sort.Strings(keys)

	watched := []string{c.txKey(id)}
	for k := range reads {
		if key, err := domain.ParseKey(k); err == nil {
			watched = append(watched, c.entityKey(key))
		}
	}
	for _, k := range keys {
		watched = append(watched, c.entityKey(writes[k].Key))
	}

	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		st, err := tx.HGet(ctx, c.txKey(id), "status").Result()
		if err == redis.Nil || (err == nil && st != statusOpen) {
			return storage.TxClosed(id)
		}
		if err != nil {
			return err
		}
		if err := c.validate(ctx, tx, reads); err != nil {
			return err
		}

		var next int64
		if len(keys) > 0 {
			if next, err = tx.IncrBy(ctx, c.seqKey(), int64(len(keys))).Result(); err != nil {
				return err
			}
			next -= int64(len(keys))
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, k := range keys {
				m := writes[k]
				key := m.Key
				if m.Kind == domain.OpDelete {
					pipe.Del(ctx, c.entityKey(key))
					pipe.SRem(ctx, c.namespaceKey(key.Namespace), key.String())
					continue
				}
				next++
				data, err := json.Marshal(m.Entity.Properties)
				if err != nil {
					return err
				}
				pipe.HSet(ctx, c.entityKey(key), "version", next, "data", data)
				pipe.SAdd(ctx, c.namespaceKey(key.Namespace), key.String())
			}
			pipe.HSet(ctx, c.txKey(id), "status", statusCommitted)
			pipe.Del(ctx, c.readsKey(id), c.writesKey(id))
			return nil
		})
		return err
	}, watched...)

	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, errConflict) {
		c.close(ctx, id)
	}
	return c.translate(err)
}

func (c *Client) Rollback(ctx context.Context, id storage.TxID) error {
	if err := c.live(ctx, id); err != nil {
		return c.translate(err)
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.txKey(id), "status", statusRolledBack)
		pipe.Del(ctx, c.readsKey(id), c.writesKey(id))
		return nil
	})
	return c.translate(err)
}

// Snapshot implements storage.Inspector.
func (c *Client) Snapshot(ctx context.Context, namespace string) ([]*domain.Entity, error) {
	members, err := c.rdb.SMembers(ctx, c.namespaceKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers failed: %w", err)
	}
	sort.Strings(members)

	out := make([]*domain.Entity, 0, len(members))
	for _, m := range members {
		key, err := domain.ParseKey(m)
		if err != nil {
			return nil, err
		}
		data, err := c.rdb.HGet(ctx, c.entityKey(key), "data").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("hget failed: %w", err)
		}
		e := domain.NewEntity(key)
		if err := json.Unmarshal([]byte(data), &e.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode entity %s: %w", key, err)
		}
		out = append(out, e)
	}
	return out, nil
}
