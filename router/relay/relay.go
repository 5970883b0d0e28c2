package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/niclaflamme/pgcrab/pkg/craberror"
	"github.com/niclaflamme/pgcrab/pkg/crablog"
	"github.com/niclaflamme/pgcrab/pkg/pool"
	"github.com/niclaflamme/pgcrab/pkg/prepstatement"
	"github.com/niclaflamme/pgcrab/pkg/shard"
	"github.com/niclaflamme/pgcrab/pkg/txstatus"
	"github.com/niclaflamme/pgcrab/router/admin"
	"github.com/niclaflamme/pgcrab/router/client"
	"github.com/niclaflamme/pgcrab/router/parser"
	"github.com/niclaflamme/pgcrab/router/statistics"
	"github.com/niclaflamme/pgcrab/router/xproto"
)

// ErrClientTerminated reports a clean session end requested by the
// client.
var ErrClientTerminated = errors.New("client sent terminate")

// errCycleFailed marks a cycle the router already answered with a
// synthetic error. The session stays Ready; the error never escapes to
// the frontend loop.
var errCycleFailed = errors.New("cycle failed")

// sentMsg is one frame forwarded to the pinned backend during the
// current sync batch, kept so retry-once can replay the tail of the
// batch.
type sentMsg struct {
	msg pgproto3.FrontendMessage

	/* signature behind the backend statement name, when one applies */
	sig    prepstatement.Signature
	hasSig bool

	/* a reply the router produced itself, slotted into the response
	 * stream so client-visible ordering matches a real server */
	local pgproto3.BackendMessage
}

// RelayState is the per-session extended-protocol router. It pins one
// backend per cycle, rewrites client names to backend names, injects
// Parses, and streams backend frames back to the client.
type RelayState struct {
	cl    client.RouterClient
	pools *pool.GatewayPools

	conflictPolicy config.ParseConflictPolicy
	cycleWatchdog  time.Duration

	pinned     shard.Shard
	pinnedPool pool.Pool

	pendingSyncs int

	/* client messages buffered until Sync or Flush */
	xBuf []pgproto3.FrontendMessage

	/* frames forwarded to the backend in the current sync batch */
	sent []sentMsg

	/* statements by signature, for injection and retry re-Parse */
	stmtBySig map[prepstatement.Signature]*prepstatement.VirtualStatement

	/* cycle aborted by a synthetic router error: skip until Sync,
	 * deliver the error in sequence position */
	aborted    bool
	abortedErr *pgproto3.ErrorResponse

	/* cycle already answered with error + ReadyForQuery */
	failed bool

	/* one silent retry per batch on a lost backend statement */
	retried   bool
	retryFrom int
	retryStmt *prepstatement.VirtualStatement

	scheduledInvalidation parser.InvalidationKind

	cycleStart time.Time
}

func NewRelayState(cl client.RouterClient, pools *pool.GatewayPools, cfg *config.Proxy) *RelayState {
	return &RelayState{
		cl:             cl,
		pools:          pools,
		conflictPolicy: cfg.ParseConflictPolicy,
		cycleWatchdog:  cfg.CycleWatchdog.Duration,
		stmtBySig:      map[prepstatement.Signature]*prepstatement.VirtualStatement{},
	}
}

func (rst *RelayState) Client() client.RouterClient {
	return rst.cl
}

// PinnedShard exposes the borrowed backend for tests.
func (rst *RelayState) PinnedShard() shard.Shard {
	return rst.pinned
}

func (rst *RelayState) PendingSyncs() int {
	return rst.pendingSyncs
}

// Close releases any borrowed backend. Safe to call twice.
func (rst *RelayState) Close() {
	if rst.pinned == nil {
		return
	}
	sh := rst.pinned
	p := rst.pinnedPool
	rst.pinned = nil
	rst.pinnedPool = nil

	sh.SetOwner(0)
	if rst.pendingSyncs > 0 {
		/* mid-cycle teardown: connection state is unknown */
		_ = p.Discard(sh)
		return
	}
	_ = p.Put(sh)
}

// ProcessMessage dispatches one client frame within the Ready stage.
func (rst *RelayState) ProcessMessage(msg pgproto3.FrontendMessage) error {
	err := rst.processMessage(msg)
	if errors.Is(err, errCycleFailed) {
		switch msg.(type) {
		case *pgproto3.Query, *pgproto3.Sync:
			/* the failed cycle ended with this message; nothing is left
			 * to skip */
			rst.failed = false
		}
		return nil
	}
	return err
}

func (rst *RelayState) processMessage(msg pgproto3.FrontendMessage) error {
	switch q := msg.(type) {
	case *pgproto3.Terminate:
		return ErrClientTerminated

	case *pgproto3.Query:
		cpQ := *q
		return rst.processQuery(&cpQ)

	case *pgproto3.Parse, *pgproto3.Describe, *pgproto3.Execute, *pgproto3.Close:
		rst.xBuf = append(rst.xBuf, shallowCopy(msg))
		return nil

	case *pgproto3.Bind:
		/* pgproto3 reuses its read buffer across Receive calls;
		 * parameter values must survive until the batch flushes */
		cpQ := *q
		cpQ.Parameters = deepCopyBytes(q.Parameters)
		rst.xBuf = append(rst.xBuf, &cpQ)
		return nil

	case *pgproto3.FunctionCall:
		cpQ := *q
		cpQ.Arguments = deepCopyBytes(q.Arguments)
		rst.xBuf = append(rst.xBuf, &cpQ)
		return nil

	case *pgproto3.Flush:
		/* forward whatever is buffered; no bookkeeping, no drain */
		if err := rst.relayCycleBuffer(); err != nil {
			return err
		}
		if rst.pinned != nil {
			return rst.sendToBackend(xproto.PGFlush, prepstatement.Signature{}, false)
		}
		return rst.cl.Flush()

	case *pgproto3.Sync:
		return rst.processSync()

	case *pgproto3.CopyData, *pgproto3.CopyDone, *pgproto3.CopyFail:
		/* copy frames outside an active COPY have nowhere to go */
		return nil

	default:
		crablog.Zero.Debug().
			Uint("client", rst.cl.ID()).
			Type("msg-type", msg).
			Msg("dropping unexpected client message")
		return nil
	}
}

func shallowCopy(msg pgproto3.FrontendMessage) pgproto3.FrontendMessage {
	switch q := msg.(type) {
	case *pgproto3.Parse:
		cp := *q
		return &cp
	case *pgproto3.Describe:
		cp := *q
		return &cp
	case *pgproto3.Execute:
		cp := *q
		return &cp
	case *pgproto3.Close:
		cp := *q
		return &cp
	default:
		return msg
	}
}

func deepCopyBytes(vals [][]byte) [][]byte {
	if vals == nil {
		return nil
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		out[i] = append([]byte(nil), v...)
	}
	return out
}

/* ----- simple query cycles ----- */

func (rst *RelayState) processQuery(q *pgproto3.Query) error {
	statistics.RecordQuery()

	if handled, err := admin.TryHandle(rst.cl, rst.pools, q.String); handled {
		return err
	}

	if kind := parser.ScanInvalidation(q.String); kind != parser.NoInvalidation {
		rst.scheduledInvalidation = kind
	}

	if err := rst.ensurePinned(); err != nil {
		return rst.failCycle(err)
	}

	if err := rst.pinned.Send(q); err != nil {
		return rst.backendBroken(err)
	}
	rst.pendingSyncs++

	return rst.drainBackend()
}

/* ----- extended protocol cycles ----- */

func (rst *RelayState) processSync() error {
	statistics.RecordQuery()

	if err := rst.relayCycleBuffer(); err != nil && !errors.Is(err, errCycleFailed) {
		return err
	}

	if rst.failed {
		/* error + ReadyForQuery already went out */
		rst.failed = false
		rst.resetCycle()
		return nil
	}

	if rst.aborted && rst.pinned == nil {
		/* nothing reached a backend: answer the failed cycle locally */
		return rst.finishAbortedLocally()
	}

	if rst.pinned == nil {
		/* cycle resolved entirely from session state */
		rst.resetCycle()
		return rst.cl.ReplyRFQ(txstatus.TXIDLE)
	}

	if err := rst.sendToBackend(xproto.PGSync, prepstatement.Signature{}, false); err != nil {
		return err
	}
	rst.pendingSyncs++

	return rst.drainBackend()
}

// relayCycleBuffer walks the buffered extended messages, satisfying
// what it can from session state and forwarding the rest, rewritten,
// to the pinned backend.
func (rst *RelayState) relayCycleBuffer() error {
	buf := rst.xBuf
	rst.xBuf = nil

	for _, msg := range buf {
		if rst.aborted || rst.failed {
			/* a failed cycle skips everything until Sync */
			continue
		}

		var err error
		switch q := msg.(type) {
		case *pgproto3.Parse:
			err = rst.processParse(q)
		case *pgproto3.Bind:
			err = rst.processBind(q)
		case *pgproto3.Describe:
			err = rst.processDescribe(q)
		case *pgproto3.Execute:
			err = rst.processExecute(q)
		case *pgproto3.Close:
			err = rst.processClose(q)
		default:
			/* FunctionCall and friends pass through on the pinned backend */
			err = rst.sendToBackend(msg, prepstatement.Signature{}, false)
		}
		if err != nil {
			if errors.Is(err, errCycleFailed) {
				continue
			}
			return err
		}
	}
	return nil
}

func (rst *RelayState) processParse(q *pgproto3.Parse) error {
	sig := prepstatement.ComputeSignature(q.Query, q.ParameterOIDs)

	crablog.Zero.Debug().
		Uint("client", rst.cl.ID()).
		Str("name", q.Name).
		Str("query", q.Query).
		Uint64("sig", sig.Hi).
		Msg("parsing prepared statement")

	vs := rst.cl.VirtualStatementByName(q.Name)
	if vs != nil {
		if vs.Sig == sig {
			/* dedup fast path: same name, same definition */
			statistics.RecordDedupHit()
			return rst.replyLocal(xproto.PGParseComplete)
		}

		if rst.conflictPolicy == config.ParseConflictStrict {
			statistics.RecordStatementConflict()
			return rst.abortCycle(craberror.DuplicatePrepStmt,
				fmt.Sprintf("prepared statement %q already exists", q.Name))
		}

		/* replace policy: redefine under the same client name */
		vs = &prepstatement.VirtualStatement{
			Query:         q.Query,
			ParameterOIDs: q.ParameterOIDs,
			Sig:           sig,
			Generation:    vs.Generation + 1,
		}
	} else {
		vs = &prepstatement.VirtualStatement{
			Query:         q.Query,
			ParameterOIDs: q.ParameterOIDs,
			Sig:           sig,
			Generation:    1,
		}
	}

	rst.cl.StoreVirtualStatement(q.Name, vs)
	rst.stmtBySig[sig] = vs

	if err := rst.ensurePinned(); err != nil {
		return rst.failCycle(err)
	}

	if _, ok := rst.pinned.HasPreparedSig(sig); ok {
		/* already live on this backend under some proxy name */
		statistics.RecordDedupHit()
		return rst.replyLocal(xproto.PGParseComplete)
	}

	backendName := rst.pinned.AllocStmtName()
	rst.pinned.PushInjected(shard.InjectedParse{
		Sig:             sig,
		BackendName:     backendName,
		ForwardComplete: true,
	})

	return rst.sendToBackend(xproto.RewriteParse(q, backendName), sig, true)
}

// ensurePrepared makes sure the pinned backend holds the signature,
// injecting a silent Parse when it does not. Returns the backend
// statement name.
func (rst *RelayState) ensurePrepared(vs *prepstatement.VirtualStatement) (string, error) {
	if name, ok := rst.pinned.HasPreparedSig(vs.Sig); ok {
		return name, nil
	}

	backendName := rst.pinned.AllocStmtName()
	rst.pinned.PushInjected(shard.InjectedParse{
		Sig:             vs.Sig,
		BackendName:     backendName,
		ForwardComplete: false,
	})
	statistics.RecordInjectedParse()

	crablog.Zero.Debug().
		Uint("client", rst.cl.ID()).
		Uint("shard", rst.pinned.ID()).
		Str("backend-name", backendName).
		Msg("injecting parse for unprepared signature")

	injected := &pgproto3.Parse{
		Name:          backendName,
		Query:         vs.Query,
		ParameterOIDs: vs.ParameterOIDs,
	}
	if err := rst.sendToBackend(injected, vs.Sig, true); err != nil {
		return "", err
	}
	return backendName, nil
}

func (rst *RelayState) processBind(q *pgproto3.Bind) error {
	vs := rst.cl.VirtualStatementByName(q.PreparedStatement)
	if vs == nil {
		return rst.abortCycle(craberror.InvalidSQLStatement,
			fmt.Sprintf("prepared statement %q does not exist", q.PreparedStatement))
	}

	if err := rst.ensurePinned(); err != nil {
		return rst.failCycle(err)
	}

	backendStmt, err := rst.ensurePrepared(vs)
	if err != nil {
		return err
	}

	backendPortal := rst.pinned.AllocPortalName()
	rst.cl.StorePortalBinding(q.DestinationPortal, &prepstatement.PortalBinding{
		BackendConnID:     rst.pinned.ID(),
		BackendPortalName: backendPortal,
		StatementSig:      vs.Sig,
	})

	return rst.sendToBackend(xproto.RewriteBind(q, backendStmt, backendPortal), vs.Sig, true)
}

func (rst *RelayState) processDescribe(q *pgproto3.Describe) error {
	switch q.ObjectType {
	case xproto.ObjectTypeStatement:
		vs := rst.cl.VirtualStatementByName(q.Name)
		if vs == nil {
			return rst.abortCycle(craberror.InvalidSQLStatement,
				fmt.Sprintf("prepared statement %q does not exist", q.Name))
		}

		if err := rst.ensurePinned(); err != nil {
			return rst.failCycle(err)
		}

		backendStmt, err := rst.ensurePrepared(vs)
		if err != nil {
			return err
		}

		return rst.sendToBackend(xproto.RewriteDescribe(q, backendStmt), vs.Sig, true)

	case xproto.ObjectTypePortal:
		pb := rst.cl.PortalBinding(q.Name)
		if pb == nil {
			return rst.abortCycle(craberror.UndefinedCursor,
				fmt.Sprintf("portal %q does not exist", q.Name))
		}

		return rst.sendToBackend(xproto.RewriteDescribe(q, pb.BackendPortalName), pb.StatementSig, true)

	default:
		return rst.abortCycle(craberror.ProtocolViolation,
			fmt.Sprintf("unknown describe kind %q", q.ObjectType))
	}
}

func (rst *RelayState) processExecute(q *pgproto3.Execute) error {
	pb := rst.cl.PortalBinding(q.Portal)
	if pb == nil {
		return rst.abortCycle(craberror.UndefinedCursor,
			fmt.Sprintf("portal %q does not exist", q.Portal))
	}

	if rst.pinned == nil || pb.BackendConnID != rst.pinned.ID() {
		/* proxy bug: a portal can never outlive its backend pin */
		return rst.abortCycle(craberror.SystemError,
			fmt.Sprintf("portal %q bound to a different backend connection", q.Portal))
	}

	return rst.sendToBackend(xproto.RewriteExecute(q, pb.BackendPortalName), pb.StatementSig, true)
}

func (rst *RelayState) processClose(q *pgproto3.Close) error {
	switch q.ObjectType {
	case xproto.ObjectTypeStatement:
		vs := rst.cl.VirtualStatementByName(q.Name)
		if vs == nil {
			/* closing an unknown statement succeeds, as on a real server */
			return rst.replyLocal(xproto.PGCloseComplete)
		}

		vs.Closed = true
		rst.cl.DropVirtualStatement(q.Name)

		if rst.pinned != nil {
			if backendName, ok := rst.pinned.HasPreparedSig(vs.Sig); ok {
				/* close on the current backend only; other backends are
				 * reconciled by their own session resets */
				rst.pinned.ForgetName(backendName)
				return rst.sendToBackend(xproto.RewriteClose(q, backendName), vs.Sig, false)
			}
		}

		return rst.replyLocal(xproto.PGCloseComplete)

	case xproto.ObjectTypePortal:
		pb := rst.cl.PortalBinding(q.Name)
		if pb == nil {
			return rst.replyLocal(xproto.PGCloseComplete)
		}
		rst.cl.DropPortalBinding(q.Name)

		return rst.sendToBackend(xproto.RewriteClose(q, pb.BackendPortalName), pb.StatementSig, false)

	default:
		return rst.abortCycle(craberror.ProtocolViolation,
			fmt.Sprintf("unknown close kind %q", q.ObjectType))
	}
}

/* ----- backend lifecycle ----- */

func (rst *RelayState) ensurePinned() error {
	if rst.pinned != nil {
		return nil
	}

	p, err := rst.pools.RandomPool()
	if err != nil {
		return err
	}

	sh, err := p.Connection(rst.cl.ID())
	if err != nil {
		return err
	}

	sh.SetOwner(rst.cl.ID())
	rst.pinned = sh
	rst.pinnedPool = p
	rst.cycleStart = time.Now()

	crablog.Zero.Debug().
		Uint("client", rst.cl.ID()).
		Uint("shard", sh.ID()).
		Str("shard-name", sh.ShardName()).
		Msg("pinned backend for cycle")

	return nil
}

// replyLocal answers a frame on the proxy's own authority. With backend
// responses still in flight the reply is deferred into the sent stream
// so the client observes it in protocol order.
func (rst *RelayState) replyLocal(msg pgproto3.BackendMessage) error {
	if len(rst.sent) == 0 {
		return rst.cl.Send(msg)
	}
	rst.sent = append(rst.sent, sentMsg{local: msg})
	return nil
}

func (rst *RelayState) sendToBackend(msg pgproto3.FrontendMessage, sig prepstatement.Signature, hasSig bool) error {
	if err := rst.ensurePinned(); err != nil {
		return rst.failCycle(err)
	}

	if err := rst.pinned.Send(msg); err != nil {
		return rst.backendBroken(err)
	}

	switch msg.(type) {
	case *pgproto3.Sync, *pgproto3.Flush:
	default:
		rst.sent = append(rst.sent, sentMsg{msg: msg, sig: sig, hasSig: hasSig})
	}
	return nil
}

// releasePinned hands the backend home. A connection mid-transaction
// stays pinned: handing it back would hop the transaction.
func (rst *RelayState) releasePinned() {
	if rst.pinned == nil {
		return
	}
	if rst.pinned.TxStatus() != txstatus.TXIDLE {
		return
	}

	if !rst.cycleStart.IsZero() {
		elapsed := time.Since(rst.cycleStart)
		statistics.RecordCycleDuration(elapsed)
		statistics.RecordLatency(statistics.StatisticsTypeRouter, elapsed)
		rst.cycleStart = time.Time{}
	}

	sh := rst.pinned
	p := rst.pinnedPool
	rst.pinned = nil
	rst.pinnedPool = nil

	sh.SetOwner(0)
	_ = p.Put(sh)
}

// backendBroken discards the pinned backend and fails the current
// cycle without closing the client.
func (rst *RelayState) backendBroken(err error) error {
	crablog.Zero.Warn().
		Err(err).
		Uint("client", rst.cl.ID()).
		Msg("backend connection broke mid-cycle")

	if rst.pinned != nil {
		sh := rst.pinned
		p := rst.pinnedPool
		rst.pinned = nil
		rst.pinnedPool = nil
		sh.SetOwner(0)
		_ = p.Discard(sh)
	}

	rst.resetCycle()
	rst.failed = true
	rst.cl.ClearPortalBindings()

	if serr := rst.cl.ReplyErrMsg("backend connection failure",
		craberror.ConnectionFailure, txstatus.TXIDLE); serr != nil {
		return serr
	}
	return errCycleFailed
}

// failCycle answers a pool or selection failure: synthetic error plus
// ReadyForQuery, session stays Ready.
func (rst *RelayState) failCycle(err error) error {
	rst.resetCycle()
	rst.failed = true

	code := craberror.CodeOf(err)
	if code == craberror.ConnectionFailure {
		code = craberror.TooManyConnections
	}
	if serr := rst.cl.ReplyErrMsg(err.Error(), code, txstatus.TXIDLE); serr != nil {
		return serr
	}
	return errCycleFailed
}

func (rst *RelayState) resetCycle() {
	rst.xBuf = nil
	rst.sent = nil
	rst.aborted = false
	rst.abortedErr = nil
	rst.retried = false
	rst.pendingSyncs = 0
	rst.scheduledInvalidation = parser.NoInvalidation
	rst.cycleStart = time.Time{}
}

// abortCycle records a synthetic router error for the current cycle.
// Frames already relayed keep their responses; the error is emitted in
// sequence position, then everything is skipped until Sync.
func (rst *RelayState) abortCycle(code string, msg string) error {
	rst.aborted = true
	rst.abortedErr = xproto.ErrorResponse(code, msg)
	return nil
}

func (rst *RelayState) finishAbortedLocally() error {
	errMsg := rst.abortedErr
	rst.resetCycle()

	if err := rst.cl.Send(errMsg); err != nil {
		return err
	}
	return rst.cl.ReplyRFQ(txstatus.TXIDLE)
}

/* ----- backend-to-client path ----- */

func (rst *RelayState) cursorHead(cursor int) (sentMsg, bool) {
	if cursor < len(rst.sent) {
		return rst.sent[cursor], true
	}
	return sentMsg{}, false
}

// flushLocals emits deferred router replies sitting at the cursor, so
// they reach the client right after the backend response they follow.
func (rst *RelayState) flushLocals(cursor int) (int, error) {
	for cursor < len(rst.sent) {
		sm := rst.sent[cursor]
		if sm.local == nil {
			break
		}
		if err := rst.cl.Send(sm.local); err != nil {
			return cursor, err
		}
		cursor++
	}
	return cursor, nil
}

// drainBackend relays backend frames to the client until every
// outstanding Sync has been answered. The cursor tracks which
// forwarded message each backend frame answers, so errors can be
// attributed and retried.
func (rst *RelayState) drainBackend() error {
	watchdog := rst.armWatchdog()
	defer watchdog()

	shardStart := time.Now()
	defer func() {
		statistics.RecordLatency(statistics.StatisticsTypeShard, time.Since(shardStart))
	}()

	cursor := 0
	suppressToRFQ := false

	for rst.pendingSyncs > 0 {
		msg, err := rst.pinned.Receive()
		if err != nil {
			return rst.backendBroken(err)
		}

		if suppressToRFQ {
			/* the backend is discarding to Sync after a retried error */
			if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
				suppressToRFQ = false
				var rerr error
				cursor, rerr = rst.replayBatchTail()
				if rerr != nil {
					return rerr
				}
			}
			continue
		}

		switch v := msg.(type) {
		case *pgproto3.ParseComplete:
			cursor++
			forward := true
			if inj, ok := rst.pinned.PeekInjected(); ok {
				rst.pinned.CommitInjected()
				forward = inj.ForwardComplete
			}
			if forward {
				if err := rst.cl.Send(v); err != nil {
					return err
				}
			}
			if cursor, err = rst.flushLocals(cursor); err != nil {
				return err
			}

		case *pgproto3.BindComplete, *pgproto3.CloseComplete,
			*pgproto3.CommandComplete, *pgproto3.EmptyQueryResponse,
			*pgproto3.PortalSuspended:
			cursor++
			if err := rst.cl.Send(v); err != nil {
				return err
			}
			if cursor, err = rst.flushLocals(cursor); err != nil {
				return err
			}

		case *pgproto3.RowDescription:
			advanced := false
			if head, ok := rst.cursorHead(cursor); ok {
				if _, isDescribe := head.msg.(*pgproto3.Describe); isDescribe {
					cursor++
					advanced = true
				}
			}
			if err := rst.cl.Send(v); err != nil {
				return err
			}
			if advanced {
				if cursor, err = rst.flushLocals(cursor); err != nil {
					return err
				}
			}

		case *pgproto3.NoData:
			advanced := false
			if head, ok := rst.cursorHead(cursor); ok {
				if _, isDescribe := head.msg.(*pgproto3.Describe); isDescribe {
					cursor++
					advanced = true
				}
			}
			if err := rst.cl.Send(v); err != nil {
				return err
			}
			if advanced {
				if cursor, err = rst.flushLocals(cursor); err != nil {
					return err
				}
			}

		case *pgproto3.ErrorResponse:
			if rst.tryArmRetry(v, cursor) {
				suppressToRFQ = true
				continue
			}

			/* tentative mappings for parses that will never complete */
			for {
				if _, ok := rst.pinned.PeekInjected(); !ok {
					break
				}
				rst.pinned.RollbackInjected()
			}
			rst.sent = nil
			cursor = 0

			if err := rst.cl.Send(v); err != nil {
				return err
			}

		case *pgproto3.ReadyForQuery:
			rst.pendingSyncs--
			rst.cl.ClearPortalBindings()

			if rst.pendingSyncs == 0 {
				return rst.completeCycle(v)
			}

			if err := rst.cl.Send(v); err != nil {
				return err
			}

		case *pgproto3.CopyInResponse:
			if err := rst.cl.Send(v); err != nil {
				return err
			}
			if err := rst.relayCopyIn(); err != nil {
				return err
			}

		default:
			if err := rst.cl.Send(v); err != nil {
				return err
			}
		}
	}

	return nil
}

// completeCycle runs once the final outstanding ReadyForQuery arrives:
// scheduled invalidations land, pending synthetic errors are emitted in
// order, and the backend goes home if the transaction is idle.
func (rst *RelayState) completeCycle(rfq *pgproto3.ReadyForQuery) error {
	if rst.scheduledInvalidation != parser.NoInvalidation {
		rst.pinned.Invalidate()
		statistics.RecordCacheInvalidation()
		rst.scheduledInvalidation = parser.NoInvalidation
	}

	var synthErr *pgproto3.ErrorResponse
	if rst.aborted {
		synthErr = rst.abortedErr
	}

	status := txstatus.TXStatus(rfq.TxStatus)

	rst.sent = nil
	rst.aborted = false
	rst.abortedErr = nil
	rst.retried = false

	rst.releasePinned()

	if synthErr != nil {
		if err := rst.cl.Send(synthErr); err != nil {
			return err
		}
		return rst.cl.ReplyRFQ(status)
	}

	return rst.cl.Send(&pgproto3.ReadyForQuery{TxStatus: rfq.TxStatus})
}

// relayCopyIn pumps the client's copy stream at the backend until the
// client finishes or fails the copy.
func (rst *RelayState) relayCopyIn() error {
	for {
		msg, err := rst.cl.Receive()
		if err != nil {
			return err
		}

		switch v := msg.(type) {
		case *pgproto3.CopyData:
			cp := *v
			if err := rst.pinned.Send(&cp); err != nil {
				return rst.backendBroken(err)
			}
		case *pgproto3.CopyDone:
			return rst.pinned.Send(&pgproto3.CopyDone{})
		case *pgproto3.CopyFail:
			cp := *v
			return rst.pinned.Send(&cp)
		case *pgproto3.Flush, *pgproto3.Sync:
			/* permitted mid-copy, no effect */
		default:
			return craberror.Newf(craberror.ProtocolViolation,
				"unexpected message %T during COPY", msg)
		}
	}
}

func (rst *RelayState) armWatchdog() func() {
	if rst.cycleWatchdog == 0 || rst.pinned == nil {
		return func() {}
	}

	sh := rst.pinned
	timer := time.AfterFunc(rst.cycleWatchdog, func() {
		crablog.Zero.Warn().
			Uint("shard", sh.ID()).
			Msg("cycle watchdog fired, closing backend socket")
		_ = sh.Instance().Close()
	})
	return func() { timer.Stop() }
}

/* ----- retry-once on missing backend statement ----- */

// tryArmRetry decides whether the backend error is a recoverable "lost
// prepared statement" for a proxy-owned name. If so it forgets the
// stale mapping and arranges a single replay of the failing batch tail.
func (rst *RelayState) tryArmRetry(v *pgproto3.ErrorResponse, cursor int) bool {
	if rst.retried || v.Code != craberror.InvalidSQLStatement {
		return false
	}

	head, ok := rst.cursorHead(cursor)
	if !ok || !head.hasSig {
		return false
	}

	switch head.msg.(type) {
	case *pgproto3.Bind, *pgproto3.Describe:
	default:
		return false
	}

	/* the backend statement behind this message must be one the proxy
	 * allocated and still believes is live */
	backendName, ok := rst.pinned.HasPreparedSig(head.sig)
	if !ok {
		return false
	}
	if _, ok := rst.stmtBySig[head.sig]; !ok {
		return false
	}

	crablog.Zero.Info().
		Uint("client", rst.cl.ID()).
		Uint("shard", rst.pinned.ID()).
		Str("backend-name", backendName).
		Msg("backend lost a prepared statement, re-preparing and retrying once")

	statistics.RecordStatementRetry()

	rst.pinned.ForgetName(backendName)
	rst.retried = true
	rst.retryFrom = cursor
	rst.retryStmt = rst.stmtBySig[head.sig]

	return true
}

// replayBatchTail re-prepares the lost statement, re-sends the failing
// message and everything after it with the fresh backend name patched
// in, then Syncs again. Returns the cursor position matching the
// rebuilt sent list.
func (rst *RelayState) replayBatchTail() (int, error) {
	vs := rst.retryStmt
	tail := rst.sent[rst.retryFrom:]

	/* queue entries for Parses the backend discarded: pull them out and
	 * re-enqueue below in replay send order */
	var pendingTail []shard.InjectedParse
	for {
		inj, ok := rst.pinned.PeekInjected()
		if !ok {
			break
		}
		rst.pinned.RollbackInjected()
		pendingTail = append(pendingTail, inj)
	}

	backendName := rst.pinned.AllocStmtName()
	rst.pinned.PushInjected(shard.InjectedParse{
		Sig:             vs.Sig,
		BackendName:     backendName,
		ForwardComplete: false,
	})
	statistics.RecordInjectedParse()

	injected := &pgproto3.Parse{
		Name:          backendName,
		Query:         vs.Query,
		ParameterOIDs: vs.ParameterOIDs,
	}
	if err := rst.pinned.Send(injected); err != nil {
		return 0, rst.backendBroken(err)
	}

	newSent := append([]sentMsg{}, rst.sent[:rst.retryFrom]...)
	newSent = append(newSent, sentMsg{msg: injected, sig: vs.Sig, hasSig: true})

	for _, sm := range tail {
		if sm.local != nil {
			/* deferred router replies replay for free */
			newSent = append(newSent, sm)
			continue
		}

		msg := sm.msg

		/* replayed frames must point at the fresh backend name */
		switch q := msg.(type) {
		case *pgproto3.Parse:
			if len(pendingTail) > 0 {
				rst.pinned.PushInjected(pendingTail[0])
				pendingTail = pendingTail[1:]
			}
		case *pgproto3.Bind:
			if sm.hasSig && sm.sig == vs.Sig {
				msg = xproto.RewriteBind(q, backendName, q.DestinationPortal)
			}
		case *pgproto3.Describe:
			if sm.hasSig && sm.sig == vs.Sig && q.ObjectType == xproto.ObjectTypeStatement {
				msg = xproto.RewriteDescribe(q, backendName)
			}
		}

		if err := rst.pinned.Send(msg); err != nil {
			return 0, rst.backendBroken(err)
		}
		newSent = append(newSent, sentMsg{msg: msg, sig: sm.sig, hasSig: sm.hasSig})
	}

	rst.sent = newSent

	if err := rst.pinned.Send(xproto.PGSync); err != nil {
		return 0, rst.backendBroken(err)
	}

	return rst.retryFrom, nil
}
