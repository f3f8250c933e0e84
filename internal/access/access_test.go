package access_test

import (
	"errors"
	"testing"

	"VeilTrade/internal/access"
	"VeilTrade/internal/apperr"

	"github.com/ethereum/go-ethereum/common"
)

func TestTable_GrantRequireRevoke(t *testing.T) {
	owner := common.HexToAddress("0x01")
	matcher := common.HexToAddress("0x02")
	tbl := access.NewTable(owner)

	if err := tbl.Require(matcher, access.CapMatcher); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	tbl.Grant(matcher, access.CapMatcher)
	if err := tbl.Require(matcher, access.CapMatcher); err != nil {
		t.Fatalf("matcher should be authorized: %v", err)
	}
	if tbl.Has(matcher, access.CapEmergency) {
		t.Error("matcher must not hold emergency")
	}

	tbl.Revoke(matcher, access.CapMatcher)
	if tbl.Has(matcher, access.CapMatcher) {
		t.Error("revoked capability still held")
	}
}

func TestTable_OwnerHoldsEverything(t *testing.T) {
	owner := common.HexToAddress("0x01")
	tbl := access.NewTable(owner)
	for _, c := range []access.Capability{access.CapAdmin, access.CapMatcher, access.CapEmergency, access.CapArbiter, access.CapLedgerTransfer} {
		if !tbl.Has(owner, c) {
			t.Errorf("owner lacks %s", c)
		}
	}
}
