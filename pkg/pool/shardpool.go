package pool

import (
	"sync"
	"time"

	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/niclaflamme/pgcrab/pkg/craberror"
	"github.com/niclaflamme/pgcrab/pkg/crablog"
	"github.com/niclaflamme/pgcrab/pkg/shard"
	"github.com/niclaflamme/pgcrab/pkg/txstatus"
	"golang.org/x/sync/errgroup"
)

/* pool for a single shard */

const warmOpenerLimit = 4

type shardPool struct {
	mu   sync.Mutex
	idle []shard.Shard

	queue chan struct{}

	active map[uint]shard.Shard

	alloc ConnectionAllocFn

	record *config.ShardRecord

	acquireTimeout time.Duration
}

var _ Pool = &shardPool{}

func NewShardPool(allocFn ConnectionAllocFn, record *config.ShardRecord, acquireTimeout time.Duration) Pool {
	ret := &shardPool{
		idle:           nil,
		active:         make(map[uint]shard.Shard),
		alloc:          allocFn,
		record:         record,
		acquireTimeout: acquireTimeout,
	}

	ret.queue = make(chan struct{}, record.MaxConnections)
	for tok := 0; tok < record.MaxConnections; tok++ {
		ret.queue <- struct{}{}
	}

	crablog.Zero.Debug().
		Uint("pool", crablog.GetPointer(ret)).
		Str("shard", record.Name).
		Int("tokens", record.MaxConnections).
		Msg("initialized pool queue with tokens")

	return ret
}

func (h *shardPool) Record() *config.ShardRecord {
	return h.record
}

func (h *shardPool) UsedConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

func (h *shardPool) IdleConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.idle)
}

func (h *shardPool) QueueResidualSize() int {
	return len(h.queue)
}

func (h *shardPool) View() PoolStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return PoolStats{
		Name:      h.record.Name,
		Host:      h.record.Host,
		Port:      h.record.Port,
		Min:       h.record.MinConnections,
		Max:       h.record.MaxConnections,
		Idle:      len(h.idle),
		InUse:     len(h.active),
		Available: len(h.queue),
	}
}

// Warm opens connections until the idle set reaches min_connections.
// Failures are logged only: the next acquire retries by opening fresh.
func (h *shardPool) Warm() {
	h.mu.Lock()
	missing := h.record.MinConnections - len(h.idle)
	h.mu.Unlock()

	if missing <= 0 {
		return
	}

	crablog.Zero.Info().
		Str("shard", h.record.Name).
		Int("target", missing).
		Msg("warming shard pool")

	var eg errgroup.Group
	eg.SetLimit(warmOpenerLimit)

	for i := 0; i < missing; i++ {
		eg.Go(func() error {
			select {
			case <-h.queue:
			default:
				/* pool already at capacity */
				return nil
			}

			sh, err := h.alloc(h.record)
			if err != nil {
				h.queue <- struct{}{}
				crablog.Zero.Warn().
					Err(err).
					Str("shard", h.record.Name).
					Msg("failed to warm shard connection")
				return nil
			}

			h.mu.Lock()
			h.idle = append(h.idle, sh)
			h.mu.Unlock()
			return nil
		})
	}

	_ = eg.Wait()
}

// Connection lends one backend connection. Waits FIFO on the permit
// queue, prefers the most recently parked idle connection, and dials a
// fresh one only when the idle set is empty.
func (h *shardPool) Connection(clid uint) (shard.Shard, error) {
	if err := h.acquireToken(clid); err != nil {
		return nil, err
	}

	var sh shard.Shard

	/* reuse cached connection, if any */
	{
		h.mu.Lock()

		if n := len(h.idle); n > 0 {
			sh, h.idle = h.idle[n-1], h.idle[:n-1]
			h.active[sh.ID()] = sh
			h.mu.Unlock()
			crablog.Zero.Debug().
				Uint("client", clid).
				Uint("shard", sh.ID()).
				Str("host", sh.InstanceHostname()).
				Msg("reusing cached shard connection")
			return sh, nil
		}

		h.mu.Unlock()
	}

	/* do not hold the lock while dialing */
	sh, err := h.alloc(h.record)
	if err != nil {
		/* return acquired token */
		h.queue <- struct{}{}
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.active[sh.ID()] = sh

	return sh, nil
}

func (h *shardPool) acquireToken(clid uint) error {
	if h.acquireTimeout == 0 {
		<-h.queue
		return nil
	}

	select {
	case <-h.queue:
		return nil
	case <-time.After(h.acquireTimeout):
		crablog.Zero.Warn().
			Uint("client", clid).
			Str("shard", h.record.Name).
			Msg("timed out waiting for backend connection")
		return craberror.Newf(craberror.TooManyConnections,
			"shard %q: connection pool exhausted", h.record.Name)
	}
}

// Discard closes the connection and releases its permit without
// returning it to the idle set.
func (h *shardPool) Discard(sh shard.Shard) error {
	crablog.Zero.Debug().
		Uint("shard", sh.ID()).
		Str("host", sh.InstanceHostname()).
		Msg("discarding shard connection")

	/* do not hold the mutex while closing */
	err := sh.Close()

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.active[sh.ID()]; !ok {
		/* double free */
		return nil
	}

	h.queue <- struct{}{}

	delete(h.active, sh.ID())

	return err
}

// Put resets the connection's backend session and parks it. A reset
// failure or non-idle transaction downgrades to Discard.
func (h *shardPool) Put(sh shard.Shard) error {
	crablog.Zero.Debug().
		Uint("shard", sh.ID()).
		Str("host", sh.InstanceHostname()).
		Msg("returning shard connection to pool")

	if sh.TxStatus() != txstatus.TXIDLE {
		return h.Discard(sh)
	}

	if err := sh.ResetSession(); err != nil {
		crablog.Zero.Warn().
			Err(err).
			Uint("shard", sh.ID()).
			Msg("dropping shard connection after reset failure")
		return h.Discard(sh)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.active[sh.ID()]; !ok {
		/* double free */
		return nil
	}

	h.queue <- struct{}{}

	delete(h.active, sh.ID())

	h.idle = append(h.idle, sh)
	return nil
}

func (h *shardPool) ForEach(cb func(sh shard.Shardinfo) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sh := range h.idle {
		if err := cb(sh); err != nil {
			return err
		}
	}

	for _, sh := range h.active {
		if err := cb(sh); err != nil {
			return err
		}
	}
	return nil
}
