package fhe

import (
	"encoding/binary"
	"fmt"
	"sync"

	"VeilTrade/internal/apperr"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

type opcode uint8

const (
	opTrivial opcode = iota + 1
	opAdd
	opSub
	opMul
	opMulScalar
	opDivScalar
	opGt
	opGe
	opLt
	opLe
	opEq
	opSelect
)

type ciphertext struct {
	typ ValueType
	v   uint64
}

// Executor is the coprocessor backend. It owns every ciphertext and the
// access-control list over them. Safe for concurrent use; the engine only
// mutates it from the serialized command path, the relayer reads from its
// own goroutine.
type Executor struct {
	mu     sync.RWMutex
	values map[Handle]ciphertext
	acl    map[Handle]map[common.Address]struct{}
	nonce  uint64
	key    []byte

	tracking   bool
	undo       []undoEntry
	savedNonce uint64
}

func NewExecutor() *Executor {
	return &Executor{
		values: make(map[Handle]ciphertext),
		acl:    make(map[Handle]map[common.Address]struct{}),
		key:    DevNetworkKey,
	}
}

// As returns an Evaluator whose results are allowed to principal.
func (x *Executor) As(principal common.Address) *Evaluator {
	return &Evaluator{x: x, self: principal}
}

// Allow grants principals decrypt and use rights over h.
func (x *Executor) Allow(h Handle, principals ...common.Address) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.allowLocked(h, principals...)
}

func (x *Executor) allowLocked(h Handle, principals ...common.Address) {
	set, ok := x.acl[h]
	if !ok {
		set = make(map[common.Address]struct{}, len(principals))
		x.acl[h] = set
	}
	for _, p := range principals {
		if _, had := set[p]; had {
			continue
		}
		set[p] = struct{}{}
		if x.tracking {
			x.undo = append(x.undo, undoEntry{handle: h, grantee: p})
		}
	}
}

// IsAllowed reports whether principal holds rights over h.
func (x *Executor) IsAllowed(h Handle, principal common.Address) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.acl[h][principal]
	return ok
}

// Exists reports whether h references a live ciphertext.
func (x *Executor) Exists(h Handle) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.values[h]
	return ok
}

// Reveal returns the plaintext behind h. Only the decryption relayer and
// audit tooling call this; engine code never does.
func (x *Executor) Reveal(h Handle) (uint64, ValueType, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ct, ok := x.values[h]
	return ct.v, ct.typ, ok
}

// Count returns the number of live ciphertexts.
func (x *Executor) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.values)
}

// derive produces the result handle for an operation. Handles depend on the
// operation, its operands and a monotonic counter, so identical command
// streams always yield identical handles.
func (x *Executor) derive(op opcode, typ ValueType, operands []Handle, scalar uint64) Handle {
	x.nonce++
	buf := make([]byte, 0, 2+len(operands)*32+16)
	buf = append(buf, byte(op), byte(typ))
	for _, o := range operands {
		buf = append(buf, o[:]...)
	}
	buf = binary.BigEndian.AppendUint64(buf, scalar)
	buf = binary.BigEndian.AppendUint64(buf, x.nonce)

	var h Handle
	copy(h[:], ethcrypto.Keccak256(buf))
	return h
}

func (x *Executor) store(op opcode, typ ValueType, v uint64, scalar uint64, operands ...Handle) Handle {
	h := x.derive(op, typ, operands, scalar)
	x.values[h] = ciphertext{typ: typ, v: v}
	return h
}

func (x *Executor) load(h Handle, want ValueType) uint64 {
	ct, ok := x.values[h]
	if !ok {
		panic(fmt.Sprintf("FATAL: fhe: operand %s is not a live ciphertext", h.Short()))
	}
	if ct.typ != want {
		panic(fmt.Sprintf("FATAL: fhe: operand %s is %s, want %s", h.Short(), ct.typ, want))
	}
	return ct.v
}

// Evaluator computes over ciphertexts on behalf of one principal. Every
// handle it returns is allowed to that principal.
type Evaluator struct {
	x    *Executor
	self common.Address
}

// Principal is the address results are allowed to.
func (e *Evaluator) Principal() common.Address { return e.self }

// Executor returns the backing coprocessor.
func (e *Evaluator) Executor() *Executor { return e.x }

func (e *Evaluator) emit(op opcode, typ ValueType, v uint64, scalar uint64, operands ...Handle) Handle {
	h := e.x.store(op, typ, v, scalar, operands...)
	if e.x.tracking {
		e.x.undo = append(e.x.undo, undoEntry{handle: h, created: true})
	}
	e.x.allowLocked(h, e.self)
	return h
}

// Encrypt trivially encrypts a public plaintext.
func (e *Evaluator) Encrypt(v uint64) Handle {
	e.x.mu.Lock()
	defer e.x.mu.Unlock()
	return e.emit(opTrivial, TypeUint64, v, v)
}

// EncryptBool trivially encrypts a public boolean.
func (e *Evaluator) EncryptBool(b bool) Handle {
	e.x.mu.Lock()
	defer e.x.mu.Unlock()
	return e.emit(opTrivial, TypeBool, boolToU64(b), boolToU64(b))
}

// Add wraps modulo 2^64.
func (e *Evaluator) Add(a, b Handle) Handle {
	e.x.mu.Lock()
	defer e.x.mu.Unlock()
	return e.emit(opAdd, TypeUint64, e.x.load(a, TypeUint64)+e.x.load(b, TypeUint64), 0, a, b)
}

// Sub wraps modulo 2^64. Callers guard it with Select when b may exceed a.
func (e *Evaluator) Sub(a, b Handle) Handle {
	e.x.mu.Lock()
	defer e.x.mu.Unlock()
	return e.emit(opSub, TypeUint64, e.x.load(a, TypeUint64)-e.x.load(b, TypeUint64), 0, a, b)
}

// SubChecked rejects the subtraction when b exceeds a. Balance debits go
// through here so an overdraft never produces a wrapped balance.
func (e *Evaluator) SubChecked(a, b Handle) (Handle, error) {
	e.x.mu.Lock()
	defer e.x.mu.Unlock()
	av, bv := e.x.load(a, TypeUint64), e.x.load(b, TypeUint64)
	if bv > av {
		return ZeroHandle, apperr.ErrInsufficientFunds
	}
	return e.emit(opSub, TypeUint64, av-bv, 0, a, b), nil
}

func (e *Evaluator) Mul(a, b Handle) Handle {
	e.x.mu.Lock()
	defer e.x.mu.Unlock()
	return e.emit(opMul, TypeUint64, e.x.load(a, TypeUint64)*e.x.load(b, TypeUint64), 0, a, b)
}

func (e *Evaluator) MulScalar(a Handle, k uint64) Handle {
	e.x.mu.Lock()
	defer e.x.mu.Unlock()
	return e.emit(opMulScalar, TypeUint64, e.x.load(a, TypeUint64)*k, k, a)
}

// DivScalar divides by a public non-zero divisor, rounding toward zero.
func (e *Evaluator) DivScalar(a Handle, k uint64) Handle {
	if k == 0 {
		panic("FATAL: fhe: division by zero scalar")
	}
	e.x.mu.Lock()
	defer e.x.mu.Unlock()
	return e.emit(opDivScalar, TypeUint64, e.x.load(a, TypeUint64)/k, k, a)
}

func (e *Evaluator) compare(op opcode, a, b Handle, fn func(x, y uint64) bool) Handle {
	e.x.mu.Lock()
	defer e.x.mu.Unlock()
	return e.emit(op, TypeBool, boolToU64(fn(e.x.load(a, TypeUint64), e.x.load(b, TypeUint64))), 0, a, b)
}

func (e *Evaluator) Gt(a, b Handle) Handle {
	return e.compare(opGt, a, b, func(x, y uint64) bool { return x > y })
}

func (e *Evaluator) Ge(a, b Handle) Handle {
	return e.compare(opGe, a, b, func(x, y uint64) bool { return x >= y })
}

func (e *Evaluator) Lt(a, b Handle) Handle {
	return e.compare(opLt, a, b, func(x, y uint64) bool { return x < y })
}

func (e *Evaluator) Le(a, b Handle) Handle {
	return e.compare(opLe, a, b, func(x, y uint64) bool { return x <= y })
}

func (e *Evaluator) Eq(a, b Handle) Handle {
	return e.compare(opEq, a, b, func(x, y uint64) bool { return x == y })
}

// Select yields a when cond holds, b otherwise.
func (e *Evaluator) Select(cond, a, b Handle) Handle {
	e.x.mu.Lock()
	defer e.x.mu.Unlock()
	c := e.x.load(cond, TypeBool)
	av, bv := e.x.load(a, TypeUint64), e.x.load(b, TypeUint64)
	v := bv
	if c == 1 {
		v = av
	}
	return e.emit(opSelect, TypeUint64, v, 0, cond, a, b)
}

// Max is Select(a >= b, a, b).
func (e *Evaluator) Max(a, b Handle) Handle {
	return e.Select(e.Ge(a, b), a, b)
}

// Min is Select(a <= b, a, b).
func (e *Evaluator) Min(a, b Handle) Handle {
	return e.Select(e.Le(a, b), a, b)
}

// SaturatingSub is Select(a >= b, a - b, 0).
func (e *Evaluator) SaturatingSub(a, b Handle) Handle {
	return e.Select(e.Ge(a, b), e.Sub(a, b), e.Encrypt(0))
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
