package chaindata

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/bitvault-labs/vault-tracker/internal/pegin"
)

var (
	ErrInvalidConfig = errors.New("chaindata: invalid config")
	ErrInvalidInput  = errors.New("chaindata: invalid input")
)

// Source yields the confirmed, on-chain vault activities for a depositor.
// The contract is the single source of truth for contract status and the
// in-use flag.
type Source interface {
	ActivitiesByAddress(ctx context.Context, depositor common.Address) ([]pegin.Activity, error)
}

// vaultControllerABIJSON covers the single read the tracker needs.
const vaultControllerABIJSON = `[
  {
    "name": "getVaultActivities",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      {"name": "depositor", "type": "address"}
    ],
    "outputs": [
      {
        "name": "activities",
        "type": "tuple[]",
        "components": [
          {"name": "peginTxId", "type": "bytes32"},
          {"name": "collateralSats", "type": "uint64"},
          {"name": "status", "type": "uint8"},
          {"name": "inUse", "type": "bool"},
          {"name": "btcTxHash", "type": "bytes32"},
          {"name": "createdAt", "type": "uint64"}
        ]
      }
    ]
  }
]`

var (
	initOnce sync.Once
	initErr  error

	vaultABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		vaultABI, err = abi.JSON(strings.NewReader(vaultControllerABIJSON))
		if err != nil {
			initErr = fmt.Errorf("chaindata: parse vault controller ABI: %w", err)
		}
	})
	return initErr
}

// Caller is the subset of ethclient.Client the source needs.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ContractSource reads vault activities from the controller contract.
type ContractSource struct {
	caller     Caller
	controller common.Address
}

func NewContractSource(caller Caller, controller common.Address) (*ContractSource, error) {
	if caller == nil {
		return nil, fmt.Errorf("%w: nil caller", ErrInvalidConfig)
	}
	if controller == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero controller address", ErrInvalidConfig)
	}
	if err := initABI(); err != nil {
		return nil, err
	}
	return &ContractSource{caller: caller, controller: controller}, nil
}

type activityRow struct {
	PeginTxId      [32]byte
	CollateralSats uint64
	Status         uint8
	InUse          bool
	BtcTxHash      [32]byte
	CreatedAt      uint64
}

func (s *ContractSource) ActivitiesByAddress(ctx context.Context, depositor common.Address) ([]pegin.Activity, error) {
	if depositor == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero depositor address", ErrInvalidInput)
	}

	calldata, err := vaultABI.Pack("getVaultActivities", depositor)
	if err != nil {
		return nil, fmt.Errorf("chaindata: pack calldata: %w", err)
	}

	ret, err := s.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &s.controller,
		Data: calldata,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("chaindata: call getVaultActivities: %w", err)
	}

	var rows []activityRow
	if err := vaultABI.UnpackIntoInterface(&rows, "getVaultActivities", ret); err != nil {
		return nil, fmt.Errorf("chaindata: decode getVaultActivities: %w", err)
	}

	out := make([]pegin.Activity, 0, len(rows))
	for _, r := range rows {
		out = append(out, pegin.Activity{
			ID:             hex.EncodeToString(r.PeginTxId[:]),
			CollateralSats: r.CollateralSats,
			ContractStatus: pegin.OnChainStatus(r.Status),
			InUse:          r.InUse,
			TxHash:         hex.EncodeToString(r.BtcTxHash[:]),
			Timestamp:      int64(r.CreatedAt) * 1000,
		})
	}
	return out, nil
}
