package orders

import (
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// VenueOrder is the public descriptor mirrored to the external execution
// venue for price discovery. Amounts are the public estimates.
type VenueOrder struct {
	OrderID      uint64         `json:"order_id"`
	Maker        common.Address `json:"maker"`
	MakerAsset   string         `json:"maker_asset"`
	TakerAsset   string         `json:"taker_asset"`
	MakingAmount uint64         `json:"making_amount"`
	TakingAmount uint64         `json:"taking_amount"`
	Salt         uint64         `json:"salt"`
	Expiry       time.Time      `json:"expiry"`
}

// Hash identifies the descriptor on the venue.
func (v VenueOrder) Hash() common.Hash {
	buf := make([]byte, 0, 128)
	buf = binary.BigEndian.AppendUint64(buf, v.OrderID)
	buf = append(buf, v.Maker.Bytes()...)
	buf = append(buf, byte(len(v.MakerAsset)))
	buf = append(buf, v.MakerAsset...)
	buf = append(buf, byte(len(v.TakerAsset)))
	buf = append(buf, v.TakerAsset...)
	buf = binary.BigEndian.AppendUint64(buf, v.MakingAmount)
	buf = binary.BigEndian.AppendUint64(buf, v.TakingAmount)
	buf = binary.BigEndian.AppendUint64(buf, v.Salt)
	buf = binary.BigEndian.AppendUint64(buf, uint64(v.Expiry.Unix()))
	return ethcrypto.Keccak256Hash([]byte("veil:venue:v1"), buf)
}

// venueSalt derives a replay-stable salt from the order identity.
func venueSalt(orderID uint64, owner common.Address, at time.Time) uint64 {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], orderID)
	binary.BigEndian.PutUint64(b[8:], uint64(at.UnixNano()))
	h := ethcrypto.Keccak256(b[:], owner.Bytes())
	return binary.BigEndian.Uint64(h[:8])
}
