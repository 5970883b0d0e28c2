package datashard

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/niclaflamme/pgcrab/pkg/conn"
	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/niclaflamme/pgcrab/pkg/crablog"
	"github.com/niclaflamme/pgcrab/pkg/prepstatement"
	"github.com/niclaflamme/pgcrab/pkg/shard"
	"github.com/niclaflamme/pgcrab/pkg/txstatus"
)

// Conn is one live backend connection to one shard. All prepared-name
// state is scoped to the current epoch: any invalidation clears both
// maps and bumps the epoch, so stale names can never resolve.
type Conn struct {
	record    *config.ShardRecord
	dedicated conn.DBInstance
	ps        shard.ParameterSet

	backendKeyPid    uint32
	backendKeySecret uint32

	syncIn   int64
	syncOut  int64
	txServed int64

	status txstatus.TXStatus

	epoch         uint64
	preparedBySig map[prepstatement.Signature]string
	sigByName     map[string]prepstatement.Signature

	nextStmtID   uint64
	nextPortalID uint64

	ownerSession uint

	pendingInjected []shard.InjectedParse
}

var _ shard.Shard = &Conn{}

func NewShard(record *config.ShardRecord, pgi conn.DBInstance) (shard.Shard, error) {
	dtSh := &Conn{
		record:        record,
		dedicated:     pgi,
		ps:            shard.ParameterSet{},
		syncIn:        1, /* +1 for startup message */
		syncOut:       0,
		status:        txstatus.TXIDLE,
		epoch:         1,
		preparedBySig: map[prepstatement.Signature]string{},
		sigByName:     map[string]prepstatement.Signature{},
	}

	if dtSh.dedicated.Status() == conn.NotInitialized {
		if err := dtSh.Auth(); err != nil {
			return nil, err
		}
		dtSh.dedicated.SetStatus(conn.ACQUIRED)
	}

	return dtSh, nil
}

// Auth performs the backend startup handshake: StartupMessage, cleartext
// password if asked, then parameter statuses and key data until the
// backend reports ready.
func (sh *Conn) Auth() error {
	sm := &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: map[string]string{
			"application_name": "pgcrab",
			"client_encoding":  "UTF8",
			"user":             sh.record.User,
			"database":         sh.record.Name,
		},
	}

	crablog.Zero.Debug().
		Uint("shard", sh.ID()).
		Str("user", sh.record.User).
		Str("database", sh.record.Name).
		Msg("shard connection startup message")

	if err := sh.dedicated.Send(sm); err != nil {
		return err
	}

	for {
		msg, err := sh.Receive()
		if err != nil {
			return err
		}
		switch v := msg.(type) {
		case *pgproto3.ReadyForQuery:
			return nil
		case pgproto3.AuthenticationResponseMessage:
			if err := conn.AuthBackend(sh.dedicated, sh.record, v); err != nil {
				crablog.Zero.Error().Err(err).Msg("failed to perform backend auth")
				return err
			}
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("%s", v.Message)
		case *pgproto3.ParameterStatus:
			if !sh.ps.Save(shard.ParameterStatus{
				Name:  v.Name,
				Value: v.Value,
			}) {
				crablog.Zero.Debug().
					Str("name", v.Name).
					Str("value", v.Value).
					Msg("ignored parameter status")
			}
		case *pgproto3.BackendKeyData:
			sh.backendKeyPid = v.ProcessID
			sh.backendKeySecret = v.SecretKey
		default:
			crablog.Zero.Debug().
				Type("type", v).
				Msg("unexpected msg type received during startup")
		}
	}
}

func (sh *Conn) Send(query pgproto3.FrontendMessage) error {
	switch query.(type) {
	case *pgproto3.Query, *pgproto3.Sync:
		sh.syncIn++
	default:
	}

	crablog.Zero.Debug().
		Uint("shard", sh.ID()).
		Type("query", query).
		Int64("sync-in", sh.syncIn).
		Msg("shard connection send message")
	return sh.dedicated.Send(query)
}

func (sh *Conn) Receive() (pgproto3.BackendMessage, error) {
	msg, err := sh.dedicated.Receive()
	if err != nil {
		return nil, err
	}
	switch v := msg.(type) {
	case *pgproto3.ReadyForQuery:
		sh.syncOut++
		sh.status = txstatus.TXStatus(v.TxStatus)
		if sh.status == txstatus.TXIDLE {
			sh.txServed++
		}
	}

	crablog.Zero.Debug().
		Uint("shard", sh.ID()).
		Type("msg", msg).
		Int64("sync-out", sh.syncOut).
		Msg("shard connection received message")
	return msg, nil
}

// ResetSession returns the backend to a pristine state before the
// connection goes back to the idle pool. The prepared maps are wiped
// under a fresh epoch because DISCARD ALL deallocates everything on the
// server side.
func (sh *Conn) ResetSession() error {
	if err := sh.Send(&pgproto3.Query{String: "DISCARD ALL;"}); err != nil {
		return err
	}

	for {
		msg, err := sh.Receive()
		if err != nil {
			return err
		}
		switch v := msg.(type) {
		case *pgproto3.ReadyForQuery:
			if txstatus.TXStatus(v.TxStatus) != txstatus.TXIDLE {
				return fmt.Errorf("unexpected tx status %s after session reset",
					txstatus.TXStatus(v.TxStatus))
			}
			sh.Invalidate()
			sh.pendingInjected = nil
			return nil
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("session reset failed: %s", v.Message)
		}
	}
}

func (sh *Conn) Epoch() uint64 {
	return sh.epoch
}

// Invalidate drops every cached prepared name and moves the connection
// to the next epoch.
func (sh *Conn) Invalidate() {
	sh.epoch++
	sh.preparedBySig = map[prepstatement.Signature]string{}
	sh.sigByName = map[string]prepstatement.Signature{}

	crablog.Zero.Debug().
		Uint("shard", sh.ID()).
		Uint64("epoch", sh.epoch).
		Msg("invalidated prepared statement cache")
}

func (sh *Conn) HasPreparedSig(sig prepstatement.Signature) (string, bool) {
	name, ok := sh.preparedBySig[sig]
	return name, ok
}

func (sh *Conn) SigForName(name string) (prepstatement.Signature, bool) {
	sig, ok := sh.sigByName[name]
	return sig, ok
}

// ForgetName drops one statement from both maps, keeping them mutual
// inverses.
func (sh *Conn) ForgetName(name string) {
	sig, ok := sh.sigByName[name]
	if !ok {
		return
	}
	delete(sh.sigByName, name)
	delete(sh.preparedBySig, sig)
}

func (sh *Conn) AllocStmtName() string {
	sh.nextStmtID++
	return fmt.Sprintf("ps_%d_%d", sh.epoch, sh.nextStmtID)
}

func (sh *Conn) AllocPortalName() string {
	sh.nextPortalID++
	return fmt.Sprintf("pt_%d", sh.nextPortalID)
}

// PushInjected records a Parse the relay wrote on this connection and
// tentatively maps its signature. The mapping survives only if the
// backend answers ParseComplete.
func (sh *Conn) PushInjected(inj shard.InjectedParse) {
	sh.preparedBySig[inj.Sig] = inj.BackendName
	sh.sigByName[inj.BackendName] = inj.Sig
	sh.pendingInjected = append(sh.pendingInjected, inj)
}

func (sh *Conn) PeekInjected() (shard.InjectedParse, bool) {
	if len(sh.pendingInjected) == 0 {
		return shard.InjectedParse{}, false
	}
	return sh.pendingInjected[0], true
}

func (sh *Conn) CommitInjected() {
	if len(sh.pendingInjected) == 0 {
		return
	}
	sh.pendingInjected = sh.pendingInjected[1:]
}

// RollbackInjected removes the head injection and its tentative mapping.
// Called when the backend answered the injected Parse with an error.
func (sh *Conn) RollbackInjected() {
	if len(sh.pendingInjected) == 0 {
		return
	}
	inj := sh.pendingInjected[0]
	sh.pendingInjected = sh.pendingInjected[1:]

	if cur, ok := sh.preparedBySig[inj.Sig]; ok && cur == inj.BackendName {
		delete(sh.preparedBySig, inj.Sig)
		delete(sh.sigByName, inj.BackendName)
	}
}

func (sh *Conn) Owner() uint {
	return sh.ownerSession
}

func (sh *Conn) SetOwner(sessionID uint) {
	if sessionID != 0 && sh.ownerSession != 0 {
		/* single-owner invariant */
		panic(fmt.Sprintf("shard %d already owned by session %d", sh.ID(), sh.ownerSession))
	}
	sh.ownerSession = sessionID
}

func (sh *Conn) Close() error {
	return sh.dedicated.Close()
}

func (sh *Conn) Instance() conn.DBInstance {
	return sh.dedicated
}

func (sh *Conn) Sync() int64 {
	return sh.syncOut - sh.syncIn
}

func (sh *Conn) TxServed() int64 {
	return sh.txServed
}

func (sh *Conn) String() string {
	return sh.record.Name
}

func (sh *Conn) ShardName() string {
	return sh.record.Name
}

func (sh *Conn) Cfg() *config.ShardRecord {
	return sh.record
}

func (sh *Conn) InstanceHostname() string {
	return sh.dedicated.Hostname()
}

func (sh *Conn) Pid() uint32 {
	return sh.backendKeyPid
}

func (sh *Conn) ID() uint {
	return crablog.GetPointer(sh)
}

func (sh *Conn) Usr() string {
	return sh.record.User
}

func (sh *Conn) DB() string {
	return sh.record.Name
}

func (sh *Conn) Params() shard.ParameterSet {
	return sh.ps
}

func (sh *Conn) SetTxStatus(tx txstatus.TXStatus) {
	sh.status = tx
}

func (sh *Conn) TxStatus() txstatus.TXStatus {
	return sh.status
}
