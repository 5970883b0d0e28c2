package conn

import (
	"crypto/subtle"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/niclaflamme/pgcrab/pkg/client"
	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/niclaflamme/pgcrab/pkg/craberror"
	"github.com/niclaflamme/pgcrab/pkg/crablog"
)

// AuthBackend answers a single authentication request from a shard.
// Only cleartext is spoken towards backends.
func AuthBackend(shard DBInstance, record *config.ShardRecord, msg pgproto3.BackendMessage) error {
	crablog.Zero.Debug().
		Uint("instance", crablog.GetPointer(shard)).
		Type("auth-type", msg).
		Msg("backend authentication request")

	switch msg.(type) {
	case *pgproto3.AuthenticationOk:
		return nil
	case *pgproto3.AuthenticationCleartextPassword:
		return shard.Send(&pgproto3.PasswordMessage{Password: record.Password})
	default:
		return craberror.Newf(craberror.FeatureNotSupported,
			"unsupported backend auth method %T for shard %q", msg, record.Name)
	}
}

// AuthFrontend runs the cleartext exchange with a client and compares
// the response byte-exact against the configured users.
func AuthFrontend(cl client.Client, users []*config.UserRecord) error {
	passwd, err := cl.PasswordCT()
	if err != nil {
		return err
	}

	for _, usr := range users {
		if usr.Username != cl.Usr() {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(usr.Password), []byte(passwd)) == 1 {
			return nil
		}
		break
	}

	return craberror.Newf(craberror.InvalidPassword,
		"password authentication failed for user %q", cl.Usr())
}
