package types

// Authority is the proof presented to the ledger when moving value out of an
// account. A signer authority is an identity that signed the request; a
// derived authority carries the seeds and bump that re-derive the owning
// address under Program, so no private key is involved.
type Authority struct {
	Address [20]byte
	Derived bool
	Seeds   [][]byte
	Bump    uint8
	Program [20]byte
}

// SignerAuthority wraps a caller that signed the enclosing request.
func SignerAuthority(addr [20]byte) Authority {
	return Authority{Address: addr}
}

// DerivedAuthority builds a derived signing proof for addr.
func DerivedAuthority(addr [20]byte, program [20]byte, bump uint8, seeds ...[]byte) Authority {
	copied := make([][]byte, len(seeds))
	for i, seed := range seeds {
		copied[i] = append([]byte(nil), seed...)
	}
	return Authority{Address: addr, Derived: true, Seeds: copied, Bump: bump, Program: program}
}
