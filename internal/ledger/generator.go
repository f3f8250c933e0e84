package ledger

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// batchNamespace derives batch ids from the command that produced them, so
// replaying a command yields the same ids.
var batchNamespace = uuid.MustParse("6f1c2a8e-3b7d-5e4f-9a10-2c3d4e5f6a7b")

// JournalGenerator creates balanced journal batches for public token moves
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

// SetSequence aligns batch sequences with the core's command sequence.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

func (jg *JournalGenerator) single(ref string, ts int64, debit, credit AccountKey, assetID AssetID, amount int64, jt JournalType) *Batch {
	batchID := uuid.NewSHA1(batchNamespace, []byte(ref+":"+strconv.FormatInt(jg.sequence, 10)))
	return &Batch{
		BatchID:   batchID,
		EventRef:  ref,
		Sequence:  jg.sequence,
		Timestamp: ts,
		Journals: []Journal{{
			JournalID:     uuid.NewSHA1(batchID, []byte("0")),
			BatchID:       batchID,
			EventRef:      ref,
			Sequence:      jg.sequence,
			DebitAccount:  debit,
			CreditAccount: credit,
			AssetID:       assetID,
			Amount:        amount,
			JournalType:   jt,
			Timestamp:     ts,
		}},
	}
}

// Deposit moves funds: external:deposits → user:wallet
func (jg *JournalGenerator) Deposit(ref string, ts int64, owner common.Address, assetID AssetID, amount int64) *Batch {
	return jg.single(ref, ts,
		NewWalletKey(owner, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		assetID, amount, JournalTypeDeposit)
}

// Withdrawal moves funds: user:wallet → external:withdrawals
func (jg *JournalGenerator) Withdrawal(ref string, ts int64, owner common.Address, assetID AssetID, amount int64) *Batch {
	return jg.single(ref, ts,
		NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		NewWalletKey(owner, assetID),
		assetID, amount, JournalTypeWithdrawal)
}

// Wrap moves funds: user:wallet → system:vault
func (jg *JournalGenerator) Wrap(ref string, ts int64, owner common.Address, assetID AssetID, amount int64) *Batch {
	return jg.single(ref, ts,
		NewVaultKey(assetID),
		NewWalletKey(owner, assetID),
		assetID, amount, JournalTypeWrap)
}

// Unwrap moves funds: system:vault → user:wallet
func (jg *JournalGenerator) Unwrap(ref string, ts int64, recipient common.Address, assetID AssetID, amount int64) *Batch {
	return jg.single(ref, ts,
		NewWalletKey(recipient, assetID),
		NewVaultKey(assetID),
		assetID, amount, JournalTypeUnwrap)
}
