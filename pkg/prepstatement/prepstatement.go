package prepstatement

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// Signature is the process-wide identity of a prepared statement:
// a 128-bit murmur3 of the SQL text and the declared parameter type oids.
// Stability and uniqueness within a process is all that is required.
type Signature struct {
	Hi uint64
	Lo uint64
}

func ComputeSignature(query string, paramOIDs []uint32) Signature {
	buf := make([]byte, 0, len(query)+1+4*len(paramOIDs))
	buf = append(buf, query...)
	buf = append(buf, 0x00)
	for _, oid := range paramOIDs {
		buf = binary.BigEndian.AppendUint32(buf, oid)
	}
	hi, lo := murmur3.Sum128(buf)
	return Signature{Hi: hi, Lo: lo}
}

// VirtualStatement is a client-owned prepared statement. It lives in the
// frontend session and is never visible to any backend under its client
// name.
type VirtualStatement struct {
	Query         string
	ParameterOIDs []uint32
	Sig           Signature
	Generation    uint32
	Closed        bool
}

// PortalBinding maps a client portal name onto the backend portal created
// for it. Valid from Bind until the next Sync.
type PortalBinding struct {
	BackendConnID     uint
	BackendPortalName string
	StatementSig      Signature
}

type VirtualStatementMapper interface {
	VirtualStatementByName(name string) *VirtualStatement
	StoreVirtualStatement(name string, vs *VirtualStatement)
	DropVirtualStatement(name string)
}
