package frontend

import (
	"errors"
	"io"
	"net"

	"github.com/niclaflamme/pgcrab/pkg/config"
	"github.com/niclaflamme/pgcrab/pkg/craberror"
	"github.com/niclaflamme/pgcrab/pkg/crablog"
	"github.com/niclaflamme/pgcrab/pkg/pool"
	"github.com/niclaflamme/pgcrab/pkg/txstatus"
	"github.com/niclaflamme/pgcrab/router/client"
	"github.com/niclaflamme/pgcrab/router/relay"
	"github.com/niclaflamme/pgcrab/router/statistics"
	"github.com/niclaflamme/pgcrab/router/xproto"
)

// Serve owns one client connection for its whole life: startup,
// authentication, then the Ready message loop.
func Serve(netconn net.Conn, cfg *config.Proxy, pools *pool.GatewayPools) error {
	statistics.SessionOpened()
	defer statistics.SessionClosed()

	cl := client.NewPgCrabClient(netconn)
	defer func() {
		_ = cl.Close()
	}()

	if err := cl.Init(); err != nil {
		crablog.Zero.Info().
			Err(err).
			Uint("client", cl.ID()).
			Msg("client startup failed")

		if craberror.CodeOf(err) == craberror.ProtocolViolation {
			/* no pgproto3 backend exists yet for a broken startup
			 * packet; write the error frame raw, best effort */
			if buf, encErr := xproto.ErrorResponse(craberror.ProtocolViolation,
				err.Error()).Encode(nil); encErr == nil {
				_, _ = netconn.Write(buf)
			}
		}
		return err
	}

	if cl.Stage() == client.StageClosing {
		/* CancelRequest: no cancellable state is kept, drop it */
		crablog.Zero.Debug().
			Uint("client", cl.ID()).
			Msg("dropping cancel request")
		return nil
	}

	if err := cl.Auth(cfg.Users); err != nil {
		crablog.Zero.Info().
			Err(err).
			Str("user", cl.Usr()).
			Str("db", cl.DB()).
			Msg("client authentication failed")
		return nil
	}

	return Frontend(cl, cfg, pools)
}

// Frontend runs the Ready stage: every client frame goes through the
// relay until the connection drops or the client terminates.
func Frontend(cl client.RouterClient, cfg *config.Proxy, pools *pool.GatewayPools) error {
	crablog.Zero.Info().
		Str("user", cl.Usr()).
		Str("db", cl.DB()).
		Uint("client", cl.ID()).
		Msg("serving client session")

	rst := relay.NewRelayState(cl, pools, cfg)
	defer rst.Close()

	for {
		msg, err := cl.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}

			/* undecodable frame: protocol violation, hard close */
			crablog.Zero.Warn().
				Err(err).
				Uint("client", cl.ID()).
				Msg("failed to read client frame")
			_ = cl.ReplyErrMsg("malformed protocol frame",
				craberror.ProtocolViolation, txstatus.TXIDLE)
			return err
		}

		if err := rst.ProcessMessage(msg); err != nil {
			if errors.Is(err, relay.ErrClientTerminated) {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}

			crablog.Zero.Error().
				Uint("client", cl.ID()).
				Err(err).
				Msg("client session ended with error")
			return err
		}
	}
}
