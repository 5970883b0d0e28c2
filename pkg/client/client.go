package client

import (
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/niclaflamme/pgcrab/pkg/txstatus"
)

// Client is the part of a frontend session the auth layer and the admin
// console need to see.
type Client interface {
	ID() uint

	Usr() string
	DB() string

	StartupMessage() *pgproto3.StartupMessage

	/* password clear text */
	PasswordCT() (string, error)

	Send(msg pgproto3.BackendMessage) error
	Receive() (pgproto3.FrontendMessage, error)

	ReplyErrMsg(msg string, code string, s txstatus.TXStatus) error
	ReplyRFQ(s txstatus.TXStatus) error

	Close() error
}
