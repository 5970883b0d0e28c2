package admin

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/niclaflamme/pgcrab/pkg/client"
	"github.com/niclaflamme/pgcrab/pkg/pool"
	"github.com/niclaflamme/pgcrab/pkg/shard"
	"github.com/niclaflamme/pgcrab/pkg/txstatus"
	"github.com/niclaflamme/pgcrab/router/statistics"
)

const textOID = uint32(25)

// TryHandle answers proxy admin commands without touching a backend.
// Returns false when the query is ordinary traffic.
func TryHandle(cl client.Client, pools *pool.GatewayPools, query string) (bool, error) {
	trimmed := strings.TrimSpace(query)
	trimmed = strings.TrimSuffix(trimmed, ";")
	trimmed = strings.TrimSpace(trimmed)

	switch {
	case strings.EqualFold(trimmed, "SHOW PGCRAB ANALYTICS"):
		return true, replyAnalytics(cl)
	case strings.EqualFold(trimmed, "SHOW PGCRAB POOLS"):
		return true, replyPools(cl, pools)
	case strings.EqualFold(trimmed, "SHOW PGCRAB BACKENDS"):
		return true, replyBackends(cl, pools)
	default:
		return false, nil
	}
}

func replyAnalytics(cl client.Client) error {
	snap := statistics.Snapshot()

	rows := [][2]string{
		{"queries", fmt.Sprintf("%d", snap.Queries)},
		{"injected_parses", fmt.Sprintf("%d", snap.InjectedParses)},
		{"parse_dedup_hits", fmt.Sprintf("%d", snap.DedupHits)},
		{"statement_conflicts", fmt.Sprintf("%d", snap.StatementConflicts)},
		{"cache_invalidations", fmt.Sprintf("%d", snap.CacheInvalidations)},
		{"statement_retries", fmt.Sprintf("%d", snap.StatementRetries)},
		{"router_time_p99", fmt.Sprintf("%f", snap.RouterTimeP99)},
		{"shard_time_p99", fmt.Sprintf("%f", snap.ShardTimeP99)},
	}

	if err := cl.Send(rowDescription("metric", "value")); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cl.Send(&pgproto3.DataRow{
			Values: [][]byte{[]byte(row[0]), []byte(row[1])},
		}); err != nil {
			return err
		}
	}
	return finishResultSet(cl, len(rows))
}

func replyPools(cl client.Client, pools *pool.GatewayPools) error {
	stats := pools.Snapshot()

	if err := cl.Send(rowDescription(
		"shard", "host", "port", "min", "max", "idle", "in_use", "available",
	)); err != nil {
		return err
	}
	for _, st := range stats {
		if err := cl.Send(&pgproto3.DataRow{
			Values: [][]byte{
				[]byte(st.Name),
				[]byte(st.Host),
				[]byte(fmt.Sprintf("%d", st.Port)),
				[]byte(fmt.Sprintf("%d", st.Min)),
				[]byte(fmt.Sprintf("%d", st.Max)),
				[]byte(fmt.Sprintf("%d", st.Idle)),
				[]byte(fmt.Sprintf("%d", st.InUse)),
				[]byte(fmt.Sprintf("%d", st.Available)),
			},
		}); err != nil {
			return err
		}
	}
	return finishResultSet(cl, len(stats))
}

func replyBackends(cl client.Client, pools *pool.GatewayPools) error {
	if err := cl.Send(rowDescription(
		"shard", "host", "pid", "tx_status", "tx_served", "sync",
	)); err != nil {
		return err
	}

	rows := 0
	if err := pools.ForEach(func(sh shard.Shardinfo) error {
		rows++
		return cl.Send(&pgproto3.DataRow{
			Values: [][]byte{
				[]byte(sh.ShardName()),
				[]byte(sh.InstanceHostname()),
				[]byte(fmt.Sprintf("%d", sh.Pid())),
				[]byte(sh.TxStatus().String()),
				[]byte(fmt.Sprintf("%d", sh.TxServed())),
				[]byte(fmt.Sprintf("%d", sh.Sync())),
			},
		})
	}); err != nil {
		return err
	}

	return finishResultSet(cl, rows)
}

func rowDescription(columns ...string) *pgproto3.RowDescription {
	fields := make([]pgproto3.FieldDescription, 0, len(columns))
	for _, name := range columns {
		fields = append(fields, pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  textOID,
			DataTypeSize: -1,
			TypeModifier: -1,
		})
	}
	return &pgproto3.RowDescription{Fields: fields}
}

func finishResultSet(cl client.Client, n int) error {
	if err := cl.Send(&pgproto3.CommandComplete{
		CommandTag: []byte(fmt.Sprintf("SELECT %d", n)),
	}); err != nil {
		return err
	}
	return cl.ReplyRFQ(txstatus.TXIDLE)
}
