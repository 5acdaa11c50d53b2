package backends

import (
	"github.com/gomodule/redigo/redis"
)

// redisStore holds outbound message bodies, keyed by message id. Bodies are
// only read back by the sender loop; when expireSeconds is set, the expiry
// keeps abandoned messages from accumulating. With expireSeconds 0 bodies
// never expire.
type redisStore struct {
	pool          *redis.Pool
	expireSeconds int
}

func newRedisStore(redisInterface string, expireSeconds int) *redisStore {
	return &redisStore{
		pool: &redis.Pool{
			MaxIdle: 2,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", redisInterface)
			},
		},
		expireSeconds: expireSeconds,
	}
}

func (r *redisStore) ping() error {
	conn := r.pool.Get()
	defer func() { _ = conn.Close() }()
	_, err := conn.Do("PING")
	return err
}

func (r *redisStore) set(key string, data []byte) error {
	conn := r.pool.Get()
	defer func() { _ = conn.Close() }()
	var err error
	if r.expireSeconds > 0 {
		_, err = conn.Do("SETEX", key, r.expireSeconds, data)
	} else {
		_, err = conn.Do("SET", key, data)
	}
	return err
}

func (r *redisStore) get(key string) ([]byte, error) {
	conn := r.pool.Get()
	defer func() { _ = conn.Close() }()
	return redis.Bytes(conn.Do("GET", key))
}

func (r *redisStore) close() error {
	return r.pool.Close()
}
