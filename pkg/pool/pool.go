package pool

import (
	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/niclaflamme/pgcrab/pkg/shard"
)

// ConnectionAllocFn opens and handshakes a fresh backend connection for
// the given shard.
type ConnectionAllocFn func(record *config.ShardRecord) (shard.Shard, error)

// PoolStats is a point-in-time view of one shard pool, as shown by
// SHOW PGCRAB POOLS and the metrics gauges.
type PoolStats struct {
	Name      string
	Host      string
	Port      uint16
	Min       int
	Max       int
	Idle      int
	InUse     int
	Available int
}

// Pool lends backend connections for one shard under a permit bounded
// by max_connections.
type Pool interface {
	Connection(clid uint) (shard.Shard, error)
	Put(sh shard.Shard) error
	Discard(sh shard.Shard) error

	Warm()

	Record() *config.ShardRecord

	UsedConnectionCount() int
	IdleConnectionCount() int
	QueueResidualSize() int

	View() PoolStats

	ForEach(cb func(sh shard.Shardinfo) error) error
}
