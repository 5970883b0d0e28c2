package pool_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/niclaflamme/pgcrab/pkg/pool"
	"github.com/niclaflamme/pgcrab/pkg/shard"
	"github.com/niclaflamme/pgcrab/pkg/txstatus"
	"github.com/stretchr/testify/assert"
)

type fakeShard struct {
	shard.Shard

	id       uint
	status   txstatus.TXStatus
	resetErr error

	mu       sync.Mutex
	resets   int
	closed   bool
	owner    uint
}

func (f *fakeShard) ID() uint                 { return f.id }
func (f *fakeShard) InstanceHostname() string { return "h1" }
func (f *fakeShard) ShardName() string        { return "sh1" }

func (f *fakeShard) TxStatus() txstatus.TXStatus { return f.status }

func (f *fakeShard) ResetSession() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.resetErr
}

func (f *fakeShard) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeShard) Owner() uint     { return f.owner }
func (f *fakeShard) SetOwner(o uint) { f.owner = o }

func record() *config.ShardRecord {
	return &config.ShardRecord{
		Name:           "sh1",
		Host:           "h1",
		Port:           5432,
		User:           "crab",
		Password:       "x",
		MinConnections: 0,
		MaxConnections: 1,
	}
}

func TestShardPoolConnectionAcquirePut(t *testing.T) {
	assert := assert.New(t)

	sh := &fakeShard{id: 1234, status: txstatus.TXIDLE}

	shp := pool.NewShardPool(func(r *config.ShardRecord) (shard.Shard, error) {
		return sh, nil
	}, record(), 0)

	assert.Equal(1, shp.QueueResidualSize())
	assert.Equal(0, shp.IdleConnectionCount())

	conn, err := shp.Connection(10)

	assert.NoError(err)
	assert.Equal(sh, conn)

	assert.Equal(0, shp.IdleConnectionCount())
	assert.Equal(0, shp.QueueResidualSize())
	assert.Equal(1, shp.UsedConnectionCount())

	assert.NoError(shp.Put(sh))

	assert.Equal(1, shp.QueueResidualSize())
	assert.Equal(1, shp.IdleConnectionCount())
	assert.Equal(0, shp.UsedConnectionCount())
	assert.Equal(1, sh.resets)
}

func TestShardPoolPutNonIdleDiscards(t *testing.T) {
	assert := assert.New(t)

	sh := &fakeShard{id: 1234, status: txstatus.TXACT}

	shp := pool.NewShardPool(func(r *config.ShardRecord) (shard.Shard, error) {
		return sh, nil
	}, record(), 0)

	conn, err := shp.Connection(10)
	assert.NoError(err)
	assert.NotNil(conn)

	assert.NoError(shp.Put(sh))

	assert.True(sh.closed)
	assert.Equal(0, sh.resets)
	assert.Equal(0, shp.IdleConnectionCount())
	assert.Equal(1, shp.QueueResidualSize())
}

func TestShardPoolPutResetFailureDiscards(t *testing.T) {
	assert := assert.New(t)

	sh := &fakeShard{id: 1234, status: txstatus.TXIDLE, resetErr: errors.New("half open")}

	shp := pool.NewShardPool(func(r *config.ShardRecord) (shard.Shard, error) {
		return sh, nil
	}, record(), 0)

	conn, err := shp.Connection(10)
	assert.NoError(err)
	assert.NotNil(conn)

	assert.NoError(shp.Put(sh))

	assert.True(sh.closed)
	assert.Equal(0, shp.IdleConnectionCount())
	assert.Equal(1, shp.QueueResidualSize())
}

func TestShardPoolAllocFnError(t *testing.T) {
	assert := assert.New(t)

	shp := pool.NewShardPool(func(r *config.ShardRecord) (shard.Shard, error) {
		return nil, errors.New("bad")
	}, record(), 0)

	conn, err := shp.Connection(10)

	assert.Error(err)
	assert.Nil(conn)

	/* the permit is returned on failure */
	assert.Equal(0, shp.IdleConnectionCount())
	assert.Equal(1, shp.QueueResidualSize())
}

func TestShardPoolAcquireTimeout(t *testing.T) {
	assert := assert.New(t)

	sh := &fakeShard{id: 1234, status: txstatus.TXIDLE}

	shp := pool.NewShardPool(func(r *config.ShardRecord) (shard.Shard, error) {
		return sh, nil
	}, record(), 10*time.Millisecond)

	conn, err := shp.Connection(10)
	assert.NoError(err)
	assert.NotNil(conn)

	/* max_connections is 1, the next acquire has to time out */
	conn2, err := shp.Connection(11)
	assert.Error(err)
	assert.Nil(conn2)
}

func TestShardPoolLIFOIdle(t *testing.T) {
	assert := assert.New(t)

	var created []*fakeShard
	rec := record()
	rec.MaxConnections = 2

	shp := pool.NewShardPool(func(r *config.ShardRecord) (shard.Shard, error) {
		sh := &fakeShard{id: uint(1000 + len(created)), status: txstatus.TXIDLE}
		created = append(created, sh)
		return sh, nil
	}, rec, 0)

	c1, err := shp.Connection(1)
	assert.NoError(err)
	c2, err := shp.Connection(2)
	assert.NoError(err)

	assert.NoError(shp.Put(c1))
	assert.NoError(shp.Put(c2))

	/* warm connections preferred: last returned comes out first */
	c3, err := shp.Connection(3)
	assert.NoError(err)
	assert.Equal(c2.ID(), c3.ID())
}

func TestShardPoolWarm(t *testing.T) {
	assert := assert.New(t)

	var mu sync.Mutex
	opened := 0

	rec := record()
	rec.MinConnections = 3
	rec.MaxConnections = 5

	shp := pool.NewShardPool(func(r *config.ShardRecord) (shard.Shard, error) {
		mu.Lock()
		defer mu.Unlock()
		opened++
		return &fakeShard{id: uint(2000 + opened), status: txstatus.TXIDLE}, nil
	}, rec, 0)

	shp.Warm()

	assert.Equal(3, opened)
	assert.Equal(3, shp.IdleConnectionCount())
	assert.Equal(2, shp.QueueResidualSize())

	/* warming again is a no-op */
	shp.Warm()
	assert.Equal(3, opened)
}

func TestShardPoolWarmFailuresAreSoft(t *testing.T) {
	assert := assert.New(t)

	rec := record()
	rec.MinConnections = 2
	rec.MaxConnections = 4

	shp := pool.NewShardPool(func(r *config.ShardRecord) (shard.Shard, error) {
		return nil, errors.New("connection refused")
	}, rec, 0)

	shp.Warm()

	assert.Equal(0, shp.IdleConnectionCount())
	/* every permit is back */
	assert.Equal(4, shp.QueueResidualSize())
}

func TestGatewayPoolsSelector(t *testing.T) {
	assert := assert.New(t)

	recA := &config.ShardRecord{Name: "a", Host: "h1", Port: 5432, User: "u", Password: "p", MaxConnections: 1}
	recB := &config.ShardRecord{Name: "b", Host: "h2", Port: 5432, User: "u", Password: "p", MaxConnections: 1}

	gp := pool.NewGatewayPools([]*config.ShardRecord{recB, recA}, func(r *config.ShardRecord) (shard.Shard, error) {
		return &fakeShard{id: 1, status: txstatus.TXIDLE}, nil
	}, 0)

	gp.SetSelector(func(n int) int { return 0 })
	p, err := gp.RandomPool()
	assert.NoError(err)
	/* names are sorted, selector index 0 is shard "a" */
	assert.Equal("a", p.Record().Name)

	gp.SetSelector(func(n int) int { return 1 })
	p, err = gp.RandomPool()
	assert.NoError(err)
	assert.Equal("b", p.Record().Name)

	stats := gp.Snapshot()
	assert.Len(stats, 2)
	assert.Equal("a", stats[0].Name)
	assert.Equal("b", stats[1].Name)
}
