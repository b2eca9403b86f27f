// Package cache keeps recently served tiles in redis in front of the
// source registry. Tiles and "no tile here" answers are cached with a TTL;
// archive errors never are.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"

	"Fast-TileServer/internal/tile"
)

// Fetcher is the tile lookup being cached; *source.Registry implements it.
type Fetcher interface {
	Fetch(ctx context.Context, id string, z, x, y int) (*tile.Tile, error)
}

// hash fields
const (
	fieldData   = "c"
	fieldHeader = "h"
	fieldMiss   = "m"
)

// NewPool dials addr lazily.
func NewPool(addr string, maxIdle int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     maxIdle,
		MaxActive:   maxIdle * 2,
		IdleTimeout: 120 * time.Second,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr)
		},
	}
}

// Cache is a read-through tile cache.
type Cache struct {
	pool   *redis.Pool
	next   Fetcher
	ttl    time.Duration
	prefix string
}

// New wraps next with a cache stored in pool. Keys are prefixed with prefix.
func New(pool *redis.Pool, next Fetcher, ttl time.Duration, prefix string) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{pool: pool, next: next, ttl: ttl, prefix: prefix}
}

func (c *Cache) key(id string, z, x, y int) string {
	return c.prefix + "tile:" + id + ":" + strconv.Itoa(z) + ":" + strconv.Itoa(x) + ":" + strconv.Itoa(y)
}

// Fetch serves from redis when possible and falls back to next. A broken
// redis only costs the lookup; it never fails the request.
func (c *Cache) Fetch(ctx context.Context, id string, z, x, y int) (*tile.Tile, error) {
	key := c.key(id, z, x, y)
	td, hit, err := c.get(ctx, key)
	if err != nil {
		log.WithField("key", key).Warnf("redis get failure: %s", err)
	}
	if hit {
		if td == nil {
			return nil, tile.ErrNotFound
		}
		td.Coord = tile.Coord{Z: z, X: x, Y: y}
		return td, nil
	}

	td, err = c.next.Fetch(ctx, id, z, x, y)
	switch {
	case err == nil:
		c.put(ctx, key, td)
	case errors.Is(err, tile.ErrNotFound):
		c.put(ctx, key, nil)
	}
	return td, err
}

func (c *Cache) closeConn(conn redis.Conn) {
	if err := conn.Close(); err != nil {
		log.Errorf("redis connection close failure: %s", err)
	}
}

// get returns hit=true with a nil tile for a cached miss.
func (c *Cache) get(ctx context.Context, key string) (*tile.Tile, bool, error) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return nil, false, err
	}
	defer c.closeConn(conn)

	values, err := redis.StringMap(conn.Do("HGETALL", key))
	if err != nil || len(values) == 0 {
		return nil, false, err
	}
	if values[fieldMiss] == "1" {
		return nil, true, nil
	}
	data, ok := values[fieldData]
	if !ok {
		return nil, false, nil
	}
	header := http.Header{}
	if h := values[fieldHeader]; h != "" {
		if err := json.Unmarshal([]byte(h), &header); err != nil {
			return nil, false, err
		}
	}
	return &tile.Tile{C: []byte(data), Header: header}, true, nil
}

func (c *Cache) put(ctx context.Context, key string, td *tile.Tile) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		log.Warnf("redis connection failure: %s", err)
		return
	}
	defer c.closeConn(conn)

	// the hash and its TTL are written together or not at all
	args := redis.Args{key, fieldMiss, "1"}
	if td != nil {
		h, err := json.Marshal(td.Header)
		if err != nil {
			log.WithField("key", key).Errorf("encode tile header failure: %s", err)
			return
		}
		args = redis.Args{key, fieldData, td.C, fieldHeader, h}
	}
	if err = conn.Send("MULTI"); err == nil {
		if err = conn.Send("HSET", args...); err == nil {
			err = conn.Send("EXPIRE", key, max(int64(c.ttl/time.Second), 1))
		}
	}
	if err == nil {
		_, err = conn.Do("EXEC")
	}
	if err != nil {
		log.WithField("key", key).Errorf("redis save tile failure: %s", err)
	}
}

// Close releases the pool.
func (c *Cache) Close() error {
	return c.pool.Close()
}
