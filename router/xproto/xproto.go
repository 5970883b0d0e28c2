package xproto

import (
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/niclaflamme/pgcrab/pkg/txstatus"
)

const (
	FormatCodeText   = int16(0)
	FormatCodeBinary = int16(1)
)

const (
	ObjectTypeStatement = byte('S')
	ObjectTypePortal    = byte('P')
)

var (
	PGSync          = &pgproto3.Sync{}
	PGFlush         = &pgproto3.Flush{}
	PGNoData        = &pgproto3.NoData{}
	PGParseComplete = &pgproto3.ParseComplete{}
	PGBindComplete  = &pgproto3.BindComplete{}
	PGCloseComplete = &pgproto3.CloseComplete{}
)

/*
Rewriters rebuild client-origin extended frames with proxy-owned names
substituted. Each one copies the original message, so re-encoding with
the same names reproduces the original bytes.
*/

func RewriteParse(orig *pgproto3.Parse, stmtName string) *pgproto3.Parse {
	cp := *orig
	cp.Name = stmtName
	return &cp
}

func RewriteBind(orig *pgproto3.Bind, stmtName string, portalName string) *pgproto3.Bind {
	cp := *orig
	cp.PreparedStatement = stmtName
	cp.DestinationPortal = portalName
	return &cp
}

func RewriteDescribe(orig *pgproto3.Describe, name string) *pgproto3.Describe {
	cp := *orig
	cp.Name = name
	return &cp
}

func RewriteExecute(orig *pgproto3.Execute, portalName string) *pgproto3.Execute {
	cp := *orig
	cp.Portal = portalName
	return &cp
}

func RewriteClose(orig *pgproto3.Close, name string) *pgproto3.Close {
	cp := *orig
	cp.Name = name
	return &cp
}

/* Frames the proxy synthesizes on its own behalf. */

func ErrorResponse(code string, message string) *pgproto3.ErrorResponse {
	return &pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     code,
		Message:  message,
	}
}

func ReadyForQuery(s txstatus.TXStatus) *pgproto3.ReadyForQuery {
	return &pgproto3.ReadyForQuery{TxStatus: byte(s)}
}

func ParameterStatus(name string, value string) *pgproto3.ParameterStatus {
	return &pgproto3.ParameterStatus{Name: name, Value: value}
}

func BackendKeyData(pid uint32, secret uint32) *pgproto3.BackendKeyData {
	return &pgproto3.BackendKeyData{ProcessID: pid, SecretKey: secret}
}
