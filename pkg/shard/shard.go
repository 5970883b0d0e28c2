package shard

import (
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/niclaflamme/pgcrab/pkg/conn"
	"github.com/niclaflamme/pgcrab/pkg/prepstatement"
	"github.com/niclaflamme/pgcrab/pkg/txstatus"
)

type ParameterStatus struct {
	Name  string
	Value string
}

type ParameterSet map[string]string

// Save stores the given ParameterStatus in the set. It returns false if
// the parameter was already present.
func (ps ParameterSet) Save(status ParameterStatus) bool {
	if _, ok := ps[status.Name]; ok {
		return false
	}
	ps[status.Name] = status.Value
	return true
}

// InjectedParse records a proxy-originated Parse whose ParseComplete is
// still in flight on a backend connection. ForwardComplete tells the
// relay whether the client is owed that ParseComplete.
type InjectedParse struct {
	Sig             prepstatement.Signature
	BackendName     string
	ForwardComplete bool
}

// PreparedStatementHolder is the backend-connection-scoped half of the
// virtual-name duality: signatures in, backend names out. Tentative
// entries are committed or rolled back when the backend answers the
// injected Parse.
type PreparedStatementHolder interface {
	Epoch() uint64
	Invalidate()

	HasPreparedSig(sig prepstatement.Signature) (string, bool)
	SigForName(name string) (prepstatement.Signature, bool)
	ForgetName(name string)

	AllocStmtName() string
	AllocPortalName() string

	PushInjected(inj InjectedParse)
	PeekInjected() (InjectedParse, bool)
	CommitInjected()
	RollbackInjected()
}

type Shardinfo interface {
	ID() uint
	ShardName() string
	InstanceHostname() string
	Pid() uint32
	Usr() string
	DB() string
	Sync() int64
	TxServed() int64
	TxStatus() txstatus.TXStatus
}

// Shard is one pooled backend connection.
type Shard interface {
	txstatus.TxStatusMgr
	PreparedStatementHolder
	Shardinfo

	Cfg() *config.ShardRecord

	Send(query pgproto3.FrontendMessage) error
	Receive() (pgproto3.BackendMessage, error)

	Instance() conn.DBInstance

	Owner() uint
	SetOwner(sessionID uint)

	Params() ParameterSet
	ResetSession() error
	Close() error
}

type ShardIterator interface {
	ForEach(cb func(sh Shardinfo) error) error
}
