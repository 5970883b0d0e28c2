package conn

import (
	"net"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/niclaflamme/pgcrab/pkg/crablog"
)

const SSLREQ = 80877103
const CANCELREQ = 80877102
const GSSREQ = 80877104

type InstanceStatus string

const NotInitialized = InstanceStatus("NOT_INITIALIZED")
const ACQUIRED = InstanceStatus("ACQUIRED")

// DBInstance is one exclusively-owned stream to one PostgreSQL server.
type DBInstance interface {
	Send(query pgproto3.FrontendMessage) error
	Receive() (pgproto3.BackendMessage, error)

	Hostname() string

	Close() error
	Status() InstanceStatus
	SetStatus(status InstanceStatus)
}

type PostgreSQLInstance struct {
	conn     net.Conn
	frontend *pgproto3.Frontend

	hostname string
	status   InstanceStatus
}

var _ DBInstance = &PostgreSQLInstance{}

func NewInstanceConn(host string) (DBInstance, error) {
	crablog.Zero.Debug().
		Str("host", host).
		Msg("init new postgresql instance connection")

	netconn, err := net.Dial("tcp", host)
	if err != nil {
		return nil, err
	}
	if tcp, ok := netconn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	instance := &PostgreSQLInstance{
		hostname: host,
		conn:     netconn,
		status:   NotInitialized,
	}
	instance.frontend = pgproto3.NewFrontend(instance.conn, instance.conn)
	return instance, nil
}

// NewInstanceStream wraps an already-established stream. Used by tests
// to drive an instance over an in-memory pipe.
func NewInstanceStream(stream net.Conn, hostname string) DBInstance {
	return &PostgreSQLInstance{
		hostname: hostname,
		conn:     stream,
		status:   NotInitialized,
		frontend: pgproto3.NewFrontend(stream, stream),
	}
}

func (pgi *PostgreSQLInstance) SetStatus(status InstanceStatus) {
	pgi.status = status
}

func (pgi *PostgreSQLInstance) Status() InstanceStatus {
	return pgi.status
}

func (pgi *PostgreSQLInstance) Close() error {
	return pgi.conn.Close()
}

func (pgi *PostgreSQLInstance) Hostname() string {
	return pgi.hostname
}

func (pgi *PostgreSQLInstance) Send(query pgproto3.FrontendMessage) error {
	pgi.frontend.Send(query)
	return pgi.frontend.Flush()
}

func (pgi *PostgreSQLInstance) Receive() (pgproto3.BackendMessage, error) {
	return pgi.frontend.Receive()
}
