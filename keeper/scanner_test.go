package keeper

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func subscribedLog(blockNumber uint64, id uint64, contractAddr common.Address) types.Log {
	return types.Log{
		Address:     contractAddr,
		BlockNumber: blockNumber,
		Topics: []common.Hash{
			subscribedTopic0,
			common.BigToHash(new(big.Int).SetUint64(id)),
		},
	}
}

func TestScanNewSubscriptions_DiscoversIDs(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadOrInit(filepath.Join(dir, "state.json"), 100)
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}

	contractAddr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	client := newFakeChainClient()
	client.blockNumber = 150
	client.logs = []types.Log{
		subscribedLog(120, 7, contractAddr),
		subscribedLog(140, 9, contractAddr),
	}

	found, err := ScanNewSubscriptions(context.Background(), client, contractAddr, 100, 2, 2000, s)
	if err != nil {
		t.Fatalf("ScanNewSubscriptions: %v", err)
	}
	if found != 2 {
		t.Fatalf("found = %d, want 2", found)
	}
	if s.LastScannedBlock != 148 {
		t.Fatalf("LastScannedBlock = %d, want 148", s.LastScannedBlock)
	}
	if len(s.SubscriptionIDs) != 2 || s.SubscriptionIDs[0] != 7 || s.SubscriptionIDs[1] != 9 {
		t.Fatalf("SubscriptionIDs = %v, want [7 9]", s.SubscriptionIDs)
	}
}

func TestScanNewSubscriptions_NoOpWhenStartAfterTarget(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadOrInit(filepath.Join(dir, "state.json"), 100)
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}

	client := newFakeChainClient()
	client.blockNumber = 101 // target = 101 - 2 = 99 < start (100)

	found, err := ScanNewSubscriptions(context.Background(), client, common.Address{}, 100, 2, 2000, s)
	if err != nil {
		t.Fatalf("ScanNewSubscriptions: %v", err)
	}
	if found != 0 {
		t.Fatalf("found = %d, want 0", found)
	}
	if s.LastScannedBlock != 99 {
		t.Fatalf("cursor should not advance, got %d", s.LastScannedBlock)
	}
}

func TestScanNewSubscriptions_RejectsOversizedTopic(t *testing.T) {
	dir := t.TempDir()
	s, err := LoadOrInit(filepath.Join(dir, "state.json"), 1)
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}

	contractAddr := common.HexToAddress("0x2222222222222222222222222222222222222222")
	client := newFakeChainClient()
	client.blockNumber = 10

	huge := new(big.Int).Lsh(big.NewInt(1), 65) // far past uint64 max
	client.logs = []types.Log{{
		Address:     contractAddr,
		BlockNumber: 5,
		Topics:      []common.Hash{subscribedTopic0, common.BigToHash(huge)},
	}}

	found, err := ScanNewSubscriptions(context.Background(), client, contractAddr, 1, 0, 2000, s)
	if err != nil {
		t.Fatalf("ScanNewSubscriptions: %v", err)
	}
	if found != 0 {
		t.Fatalf("found = %d, want 0 (oversized id must be rejected)", found)
	}
}
