package client

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/niclaflamme/pgcrab/pkg/client"
	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/niclaflamme/pgcrab/pkg/conn"
	"github.com/niclaflamme/pgcrab/pkg/craberror"
	"github.com/niclaflamme/pgcrab/pkg/crablog"
	"github.com/niclaflamme/pgcrab/pkg/prepstatement"
	"github.com/niclaflamme/pgcrab/pkg/txstatus"
	"github.com/niclaflamme/pgcrab/router/xproto"
)

// Stage is the frontend session lifecycle. Sessions only ever move
// forward.
type Stage int

const (
	StageStartup Stage = iota
	StageAuthenticating
	StageReady
	StageClosing
)

// RouterClient is the frontend session as the relay sees it: wire
// endpoints plus the session-scoped virtual name tables.
type RouterClient interface {
	client.Client
	prepstatement.VirtualStatementMapper

	Stage() Stage
	SetStage(s Stage)

	Init() error
	Auth(users []*config.UserRecord) error

	PortalBinding(name string) *prepstatement.PortalBinding
	StorePortalBinding(name string, pb *prepstatement.PortalBinding)
	DropPortalBinding(name string)
	ClearPortalBindings()

	Flush() error

	ReplyParseComplete() error
	ReplyBindComplete() error
	ReplyCloseComplete() error

	GetCancelPid() uint32
	GetCancelKey() uint32
	CancelMsg() *pgproto3.CancelRequest
}

type PgCrabClient struct {
	/* cancel */
	csm *pgproto3.CancelRequest

	cancelPid uint32
	cancelKey uint32

	conn conn.RawConn

	stage Stage

	virtualStatements map[string]*prepstatement.VirtualStatement
	virtualPortals    map[string]*prepstatement.PortalBinding

	be *pgproto3.Backend

	startupMsg *pgproto3.StartupMessage
	id         uint
}

var _ RouterClient = &PgCrabClient{}

func NewPgCrabClient(pgconn conn.RawConn) *PgCrabClient {
	cl := &PgCrabClient{
		conn:              pgconn,
		stage:             StageStartup,
		startupMsg:        &pgproto3.StartupMessage{},
		virtualStatements: map[string]*prepstatement.VirtualStatement{},
		virtualPortals:    map[string]*prepstatement.PortalBinding{},
	}

	cl.id = crablog.GetPointer(cl)

	return cl
}

func (cl *PgCrabClient) ID() uint {
	return cl.id
}

func (cl *PgCrabClient) Stage() Stage {
	return cl.stage
}

func (cl *PgCrabClient) SetStage(s Stage) {
	cl.stage = s
}

// Init reads startup-shape messages until a StartupMessage arrives.
// SSLRequest is declined with one 'N' byte; GSS likewise; CancelRequest
// is captured and ends the handshake.
func (cl *PgCrabClient) Init() error {
	for {
		headerRaw := make([]byte, 4)

		if _, err := readFull(cl.conn, headerRaw); err != nil {
			return err
		}

		msgSize := int(binary.BigEndian.Uint32(headerRaw)) - 4
		if msgSize < 4 || msgSize > 10240 {
			return craberror.Newf(craberror.ProtocolViolation,
				"malformed startup packet length %d", msgSize+4)
		}

		msg := make([]byte, msgSize)
		if _, err := readFull(cl.conn, msg); err != nil {
			return err
		}

		protoVer := binary.BigEndian.Uint32(msg)

		crablog.Zero.Debug().
			Uint("client", cl.ID()).
			Uint32("proto-version", protoVer).
			Msg("received protocol version")

		switch protoVer {
		case conn.GSSREQ:
			if _, err := cl.conn.Write([]byte{'N'}); err != nil {
				return err
			}
			/* proceed next iter, for protocol version number */
			continue

		case conn.SSLREQ:
			if _, err := cl.conn.Write([]byte{'N'}); err != nil {
				return err
			}
			/* remain in startup, wait for plain StartupMessage */
			continue

		case pgproto3.ProtocolVersionNumber:
			sm := &pgproto3.StartupMessage{}
			if err := sm.Decode(msg); err != nil {
				return craberror.Newf(craberror.ProtocolViolation,
					"malformed startup message: %v", err)
			}

			cl.startupMsg = sm
			cl.be = pgproto3.NewBackend(cl.conn, cl.conn)

			cl.cancelKey = rand.Uint32()
			cl.cancelPid = rand.Uint32()

			cl.stage = StageAuthenticating
			return nil

		case conn.CANCELREQ:
			cl.csm = &pgproto3.CancelRequest{}
			if err := cl.csm.Decode(msg); err != nil {
				return err
			}
			cl.stage = StageClosing
			return nil

		default:
			return craberror.Newf(craberror.ProtocolViolation,
				"protocol number %d not supported", protoVer)
		}
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := c.Read(buf[read:])
		if err != nil {
			return read, err
		}
		read += n
	}
	return read, nil
}

// Auth runs the cleartext exchange and, on success, emits the full
// ready preamble the client expects from a real server.
func (cl *PgCrabClient) Auth(users []*config.UserRecord) error {
	crablog.Zero.Info().
		Str("user", cl.Usr()).
		Str("db", cl.DB()).
		Msg("processing frontend auth")

	if err := conn.AuthFrontend(cl, users); err != nil {
		cl.be.Send(xproto.ErrorResponse(craberror.CodeOf(err), err.Error()))
		_ = cl.be.Flush()
		cl.stage = StageClosing
		return err
	}

	if err := cl.Send(&pgproto3.AuthenticationOk{}); err != nil {
		return err
	}

	for _, ps := range []*pgproto3.ParameterStatus{
		xproto.ParameterStatus("server_version", "16.3"),
		xproto.ParameterStatus("client_encoding", "UTF8"),
		xproto.ParameterStatus("DateStyle", "ISO, MDY"),
		xproto.ParameterStatus("TimeZone", "Etc/UTC"),
		xproto.ParameterStatus("integer_datetimes", "on"),
	} {
		if err := cl.Send(ps); err != nil {
			return err
		}
	}

	if err := cl.Send(xproto.BackendKeyData(cl.cancelPid, cl.cancelKey)); err != nil {
		return err
	}

	if err := cl.ReplyRFQ(txstatus.TXIDLE); err != nil {
		return err
	}

	crablog.Zero.Info().
		Uint("client", cl.ID()).
		Str("user", cl.Usr()).
		Str("db", cl.DB()).
		Msg("client connection accepted")

	cl.stage = StageReady
	return nil
}

func (cl *PgCrabClient) StartupMessage() *pgproto3.StartupMessage {
	return cl.startupMsg
}

const DefaultUsr = "default"
const DefaultDB = "default"

func (cl *PgCrabClient) Usr() string {
	if usr, ok := cl.startupMsg.Parameters["user"]; ok {
		return usr
	}
	return DefaultUsr
}

func (cl *PgCrabClient) DB() string {
	if db, ok := cl.startupMsg.Parameters["database"]; ok {
		return db
	}
	return DefaultDB
}

func (cl *PgCrabClient) PasswordCT() (string, error) {
	if passwd, ok := cl.startupMsg.Parameters["password"]; ok {
		return passwd, nil
	}

	if err := cl.Send(&pgproto3.AuthenticationCleartextPassword{}); err != nil {
		return "", err
	}

	if err := cl.be.SetAuthType(pgproto3.AuthTypeCleartextPassword); err != nil {
		return "", err
	}

	msg, err := cl.be.Receive()
	if err != nil {
		return "", err
	}

	switch v := msg.(type) {
	case *pgproto3.PasswordMessage:
		return v.Password, nil
	default:
		return "", fmt.Errorf("expected password message, got %T", msg)
	}
}

func (cl *PgCrabClient) Receive() (pgproto3.FrontendMessage, error) {
	msg, err := cl.be.Receive()
	crablog.Zero.Debug().
		Uint("client", cl.ID()).
		Type("msg-type", msg).
		Msg("received message from client")
	return msg, err
}

func (cl *PgCrabClient) Send(msg pgproto3.BackendMessage) error {
	crablog.Zero.Debug().
		Uint("client", cl.ID()).
		Type("msg-type", msg).
		Msg("sending msg to client")

	cl.be.Send(msg)

	switch msg.(type) {
	case *pgproto3.ReadyForQuery,
		*pgproto3.ErrorResponse,
		*pgproto3.AuthenticationOk,
		*pgproto3.AuthenticationCleartextPassword,
		*pgproto3.CopyInResponse,
		*pgproto3.CopyOutResponse,
		*pgproto3.CopyBothResponse:
		return cl.be.Flush()
	default:
		return nil
	}
}

// Flush forces out anything pgproto3 has buffered.
func (cl *PgCrabClient) Flush() error {
	return cl.be.Flush()
}

/* virtual statement table */

func (cl *PgCrabClient) VirtualStatementByName(name string) *prepstatement.VirtualStatement {
	if v, ok := cl.virtualStatements[name]; ok {
		return v
	}
	return nil
}

func (cl *PgCrabClient) StoreVirtualStatement(name string, vs *prepstatement.VirtualStatement) {
	cl.virtualStatements[name] = vs
}

func (cl *PgCrabClient) DropVirtualStatement(name string) {
	delete(cl.virtualStatements, name)
}

/* virtual portal table, cleared at every Sync */

func (cl *PgCrabClient) PortalBinding(name string) *prepstatement.PortalBinding {
	if v, ok := cl.virtualPortals[name]; ok {
		return v
	}
	return nil
}

func (cl *PgCrabClient) StorePortalBinding(name string, pb *prepstatement.PortalBinding) {
	cl.virtualPortals[name] = pb
}

func (cl *PgCrabClient) DropPortalBinding(name string) {
	delete(cl.virtualPortals, name)
}

func (cl *PgCrabClient) ClearPortalBindings() {
	clear(cl.virtualPortals)
}

/* canned replies */

var (
	bindCMsg  = &pgproto3.BindComplete{}
	parseCMsg = &pgproto3.ParseComplete{}
	closeCMsg = &pgproto3.CloseComplete{}
)

func (cl *PgCrabClient) ReplyParseComplete() error {
	return cl.Send(parseCMsg)
}

func (cl *PgCrabClient) ReplyBindComplete() error {
	return cl.Send(bindCMsg)
}

func (cl *PgCrabClient) ReplyCloseComplete() error {
	return cl.Send(closeCMsg)
}

// ReplyErrMsg sends a synthetic ErrorResponse followed by the
// ReadyForQuery that closes the failed cycle.
func (cl *PgCrabClient) ReplyErrMsg(msg string, code string, s txstatus.TXStatus) error {
	for _, m := range []pgproto3.BackendMessage{
		xproto.ErrorResponse(code, msg),
		xproto.ReadyForQuery(s),
	} {
		if err := cl.Send(m); err != nil {
			return err
		}
	}
	return nil
}

func (cl *PgCrabClient) ReplyRFQ(s txstatus.TXStatus) error {
	return cl.Send(xproto.ReadyForQuery(s))
}

func (cl *PgCrabClient) GetCancelPid() uint32 {
	return cl.cancelPid
}

func (cl *PgCrabClient) GetCancelKey() uint32 {
	return cl.cancelKey
}

func (cl *PgCrabClient) CancelMsg() *pgproto3.CancelRequest {
	return cl.csm
}

func (cl *PgCrabClient) Close() error {
	crablog.Zero.Debug().Uint("client", cl.ID()).Msg("closing client")
	cl.stage = StageClosing
	if cl.be != nil {
		_ = cl.be.Flush()
	}
	return cl.conn.Close()
}
