package fhe

import "github.com/ethereum/go-ethereum/common"

type undoEntry struct {
	handle  Handle
	created bool
	grantee common.Address
}

// Begin starts recording ciphertexts produced by evaluators or ingested from
// inputs, and ACL grants, so that a rejected command can be undone with
// Rollback.
func (x *Executor) Begin() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tracking = true
	x.undo = x.undo[:0]
	x.savedNonce = x.nonce
}

// Commit keeps everything recorded since Begin.
func (x *Executor) Commit() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tracking = false
	x.undo = x.undo[:0]
}

// Rollback drops every ciphertext created and revokes every grant made since
// Begin, newest first, and rewinds the operation counter. A rejected command
// leaves no trace in the handles of later commands.
func (x *Executor) Rollback() {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := len(x.undo) - 1; i >= 0; i-- {
		u := x.undo[i]
		if u.created {
			delete(x.values, u.handle)
			delete(x.acl, u.handle)
			continue
		}
		if set, ok := x.acl[u.handle]; ok {
			delete(set, u.grantee)
			if len(set) == 0 {
				delete(x.acl, u.handle)
			}
		}
	}
	x.nonce = x.savedNonce
	x.tracking = false
	x.undo = x.undo[:0]
}
