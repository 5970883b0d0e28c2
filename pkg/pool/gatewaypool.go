package pool

import (
	"math/rand"
	"sort"
	"time"

	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/niclaflamme/pgcrab/pkg/conn"
	"github.com/niclaflamme/pgcrab/pkg/craberror"
	"github.com/niclaflamme/pgcrab/pkg/datashard"
	"github.com/niclaflamme/pgcrab/pkg/shard"
)

// SelectorFn picks a shard index for a new cycle. Uniform-random until
// query-aware routing exists; tests install deterministic stubs.
type SelectorFn func(n int) int

// GatewayPools is the per-shard pool set, keyed by shard name.
type GatewayPools struct {
	pools map[string]Pool
	names []string

	selector SelectorFn
}

func DialShard(record *config.ShardRecord) (shard.Shard, error) {
	pgi, err := conn.NewInstanceConn(record.Addr())
	if err != nil {
		return nil, craberror.Newf(craberror.ConnectionFailure,
			"shard %q: %v", record.Name, err)
	}
	sh, err := datashard.NewShard(record, pgi)
	if err != nil {
		_ = pgi.Close()
		return nil, err
	}
	return sh, nil
}

func NewGatewayPools(shards []*config.ShardRecord, allocFn ConnectionAllocFn, acquireTimeout time.Duration) *GatewayPools {
	if allocFn == nil {
		allocFn = DialShard
	}

	pools := make(map[string]Pool, len(shards))
	names := make([]string, 0, len(shards))
	for _, record := range shards {
		pools[record.Name] = NewShardPool(allocFn, record, acquireTimeout)
		names = append(names, record.Name)
	}
	sort.Strings(names)

	return &GatewayPools{
		pools:    pools,
		names:    names,
		selector: rand.Intn,
	}
}

// SetSelector replaces the uniform-random shard choice. Deterministic
// selection stubs hook in here.
func (g *GatewayPools) SetSelector(fn SelectorFn) {
	g.selector = fn
}

func (g *GatewayPools) Get(shardName string) (Pool, bool) {
	p, ok := g.pools[shardName]
	return p, ok
}

// RandomPool picks the pool for a fresh cycle.
func (g *GatewayPools) RandomPool() (Pool, error) {
	if len(g.names) == 0 {
		return nil, craberror.New(craberror.ConnectionFailure, "no shards configured")
	}
	name := g.names[g.selector(len(g.names))]
	return g.pools[name], nil
}

// WarmAll brings every pool up to its min_connections target.
func (g *GatewayPools) WarmAll() {
	for _, name := range g.names {
		g.pools[name].Warm()
	}
}

// Snapshot reports per-pool stats, sorted by shard name.
func (g *GatewayPools) Snapshot() []PoolStats {
	stats := make([]PoolStats, 0, len(g.names))
	for _, name := range g.names {
		stats = append(stats, g.pools[name].View())
	}
	return stats
}

func (g *GatewayPools) ForEach(cb func(sh shard.Shardinfo) error) error {
	for _, name := range g.names {
		if err := g.pools[name].ForEach(cb); err != nil {
			return err
		}
	}
	return nil
}
