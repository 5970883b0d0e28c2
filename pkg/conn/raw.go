package conn

import "net"

// RawConn exists so the frontend can swap the underlying stream
// without touching session code.
type RawConn interface {
	net.Conn
}
