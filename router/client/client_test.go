package client_test

import (
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/niclaflamme/pgcrab/pkg/prepstatement"
	"github.com/niclaflamme/pgcrab/router/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startClient(t *testing.T) (*client.PgCrabClient, *pgproto3.Frontend, net.Conn) {
	t.Helper()

	cend, send := net.Pipe()
	t.Cleanup(func() {
		_ = cend.Close()
		_ = send.Close()
	})

	cl := client.NewPgCrabClient(send)
	fe := pgproto3.NewFrontend(cend, cend)
	return cl, fe, cend
}

func TestInitCapturesStartupParams(t *testing.T) {
	assert := assert.New(t)
	cl, fe, _ := startClient(t)

	done := make(chan error, 1)
	go func() { done <- cl.Init() }()

	fe.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "app", "database": "db1"},
	})
	require.NoError(t, fe.Flush())

	require.NoError(t, <-done)
	assert.Equal("app", cl.Usr())
	assert.Equal("db1", cl.DB())
	assert.Equal(client.StageAuthenticating, cl.Stage())
}

func TestInitDeclinesSSLRequest(t *testing.T) {
	assert := assert.New(t)
	cl, fe, raw := startClient(t)

	done := make(chan error, 1)
	go func() { done <- cl.Init() }()

	_, err := raw.Write([]byte{0, 0, 0, 8, 0x04, 0xd2, 0x16, 0x2f})
	require.NoError(t, err)

	resp := make([]byte, 1)
	_, err = raw.Read(resp)
	require.NoError(t, err)
	assert.Equal(byte('N'), resp[0])

	/* still in startup: a plain StartupMessage is accepted next */
	fe.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "app"},
	})
	require.NoError(t, fe.Flush())

	require.NoError(t, <-done)
	assert.Equal(client.StageAuthenticating, cl.Stage())
}

func TestInitCancelRequest(t *testing.T) {
	assert := assert.New(t)
	cl, fe, _ := startClient(t)

	done := make(chan error, 1)
	go func() { done <- cl.Init() }()

	fe.Send(&pgproto3.CancelRequest{ProcessID: 42, SecretKey: 43})
	require.NoError(t, fe.Flush())

	require.NoError(t, <-done)
	assert.Equal(client.StageClosing, cl.Stage())
	require.NotNil(t, cl.CancelMsg())
	assert.Equal(uint32(42), cl.CancelMsg().ProcessID)
}

func TestAuthSuccessEmitsReadyPreamble(t *testing.T) {
	assert := assert.New(t)
	cl, fe, _ := startClient(t)

	done := make(chan error, 1)
	go func() { done <- cl.Init() }()

	fe.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "app", "database": "db1"},
	})
	require.NoError(t, fe.Flush())
	require.NoError(t, <-done)

	users := []*config.UserRecord{{Username: "app", Password: "hunter2"}}
	go func() { done <- cl.Auth(users) }()

	msg, err := fe.Receive()
	require.NoError(t, err)
	require.IsType(t, &pgproto3.AuthenticationCleartextPassword{}, msg)

	fe.Send(&pgproto3.PasswordMessage{Password: "hunter2"})
	require.NoError(t, fe.Flush())

	params := map[string]string{}
	var sawKeyData, sawAuthOk bool
	for {
		msg, err := fe.Receive()
		require.NoError(t, err)

		stop := false
		switch v := msg.(type) {
		case *pgproto3.AuthenticationOk:
			sawAuthOk = true
		case *pgproto3.ParameterStatus:
			params[v.Name] = v.Value
		case *pgproto3.BackendKeyData:
			sawKeyData = true
		case *pgproto3.ReadyForQuery:
			assert.Equal(byte('I'), v.TxStatus)
			stop = true
		}
		if stop {
			break
		}
	}

	require.NoError(t, <-done)

	assert.True(sawAuthOk)
	assert.True(sawKeyData)
	for _, name := range []string{
		"server_version", "client_encoding", "DateStyle", "TimeZone", "integer_datetimes",
	} {
		assert.Contains(params, name)
	}
	assert.Equal(client.StageReady, cl.Stage())
}

func TestAuthMismatchSendsError(t *testing.T) {
	assert := assert.New(t)
	cl, fe, _ := startClient(t)

	done := make(chan error, 1)
	go func() { done <- cl.Init() }()

	fe.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "app", "database": "db1"},
	})
	require.NoError(t, fe.Flush())
	require.NoError(t, <-done)

	users := []*config.UserRecord{{Username: "app", Password: "hunter2"}}
	go func() { done <- cl.Auth(users) }()

	msg, err := fe.Receive()
	require.NoError(t, err)
	require.IsType(t, &pgproto3.AuthenticationCleartextPassword{}, msg)

	fe.Send(&pgproto3.PasswordMessage{Password: "nope"})
	require.NoError(t, fe.Flush())

	msg, err = fe.Receive()
	require.NoError(t, err)
	er, ok := msg.(*pgproto3.ErrorResponse)
	require.True(t, ok)
	assert.Equal("28P01", er.Code)

	assert.Error(<-done)
	assert.Equal(client.StageClosing, cl.Stage())
}

func TestVirtualTables(t *testing.T) {
	assert := assert.New(t)
	cl, _, _ := startClient(t)

	vs := &prepstatement.VirtualStatement{
		Query:      "SELECT 1",
		Sig:        prepstatement.ComputeSignature("SELECT 1", nil),
		Generation: 1,
	}

	assert.Nil(cl.VirtualStatementByName("s1"))
	cl.StoreVirtualStatement("s1", vs)
	assert.Equal(vs, cl.VirtualStatementByName("s1"))
	cl.DropVirtualStatement("s1")
	assert.Nil(cl.VirtualStatementByName("s1"))

	pb := &prepstatement.PortalBinding{
		BackendConnID:     7,
		BackendPortalName: "pt_1",
		StatementSig:      vs.Sig,
	}

	assert.Nil(cl.PortalBinding("p1"))
	cl.StorePortalBinding("p1", pb)
	cl.StorePortalBinding("p2", pb)
	assert.Equal(pb, cl.PortalBinding("p1"))

	cl.ClearPortalBindings()
	assert.Nil(cl.PortalBinding("p1"))
	assert.Nil(cl.PortalBinding("p2"))
}
