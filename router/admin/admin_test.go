package admin_test

import (
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/niclaflamme/pgcrab/pkg/client"
	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/niclaflamme/pgcrab/pkg/pool"
	"github.com/niclaflamme/pgcrab/pkg/shard"
	"github.com/niclaflamme/pgcrab/pkg/txstatus"
	"github.com/niclaflamme/pgcrab/router/admin"
	"github.com/niclaflamme/pgcrab/router/xproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingClient struct {
	client.Client

	msgs []pgproto3.BackendMessage
}

func (r *recordingClient) Send(msg pgproto3.BackendMessage) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingClient) ReplyRFQ(s txstatus.TXStatus) error {
	return r.Send(xproto.ReadyForQuery(s))
}

func testPools() *pool.GatewayPools {
	records := []*config.ShardRecord{{
		Name: "sh1", Host: "db1", Port: 5432, User: "u", Password: "p",
		MinConnections: 1, MaxConnections: 4,
	}}
	return pool.NewGatewayPools(records, func(r *config.ShardRecord) (shard.Shard, error) {
		return nil, nil
	}, 0)
}

func TestTryHandlePassesOrdinaryTraffic(t *testing.T) {
	assert := assert.New(t)
	cl := &recordingClient{}

	for _, q := range []string{
		"SELECT 1",
		"SHOW server_version",
		"SHOW PGCRAB", /* incomplete */
		"DISCARD ALL",
	} {
		handled, err := admin.TryHandle(cl, testPools(), q)
		assert.False(handled, q)
		assert.NoError(err)
	}
	assert.Empty(cl.msgs)
}

func TestTryHandleAnalytics(t *testing.T) {
	assert := assert.New(t)
	cl := &recordingClient{}

	handled, err := admin.TryHandle(cl, testPools(), "  show pgcrab analytics ; ")
	require.NoError(t, err)
	require.True(t, handled)

	require.NotEmpty(t, cl.msgs)
	rd, ok := cl.msgs[0].(*pgproto3.RowDescription)
	require.True(t, ok)
	require.Len(t, rd.Fields, 2)
	assert.Equal("metric", string(rd.Fields[0].Name))
	assert.Equal("value", string(rd.Fields[1].Name))

	var dataRows int
	for _, m := range cl.msgs[1 : len(cl.msgs)-2] {
		_, ok := m.(*pgproto3.DataRow)
		assert.True(ok)
		dataRows++
	}
	assert.Greater(dataRows, 0)

	cc, ok := cl.msgs[len(cl.msgs)-2].(*pgproto3.CommandComplete)
	require.True(t, ok)
	assert.Contains(string(cc.CommandTag), "SELECT")

	rfq, ok := cl.msgs[len(cl.msgs)-1].(*pgproto3.ReadyForQuery)
	require.True(t, ok)
	assert.Equal(byte('I'), rfq.TxStatus)
}

func TestTryHandleBackendsEmpty(t *testing.T) {
	assert := assert.New(t)
	cl := &recordingClient{}

	handled, err := admin.TryHandle(cl, testPools(), "SHOW PGCRAB BACKENDS")
	require.NoError(t, err)
	require.True(t, handled)

	/* no connections opened yet: header, zero rows, completion, rfq */
	require.Len(t, cl.msgs, 3)
	_, ok := cl.msgs[0].(*pgproto3.RowDescription)
	assert.True(ok)

	cc, ok := cl.msgs[1].(*pgproto3.CommandComplete)
	require.True(t, ok)
	assert.Equal("SELECT 0", string(cc.CommandTag))
}

func TestTryHandlePools(t *testing.T) {
	assert := assert.New(t)
	cl := &recordingClient{}

	handled, err := admin.TryHandle(cl, testPools(), "SHOW PGCRAB POOLS")
	require.NoError(t, err)
	require.True(t, handled)

	rd, ok := cl.msgs[0].(*pgproto3.RowDescription)
	require.True(t, ok)
	assert.Equal("shard", string(rd.Fields[0].Name))

	dr, ok := cl.msgs[1].(*pgproto3.DataRow)
	require.True(t, ok)
	assert.Equal("sh1", string(dr.Values[0]))
	assert.Equal("db1", string(dr.Values[1]))
	/* max_connections column */
	assert.Equal("4", string(dr.Values[4]))
}
