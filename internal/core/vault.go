package core

import (
	"OptionVault/internal/ledger"
	"OptionVault/internal/market"
	"OptionVault/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Vault is the complete operation set of a round-based options vault.
// Mutations take the caller and time they execute under. Queries are pure.
type Vault interface {
	// --- Liquidity ---
	OpenLiquidityPosition(ctx market.CallContext, amount *uint256.Int) (uint64, error)
	DepositLiquidityTo(ctx market.CallContext, positionID uint64, amount *uint256.Int) error
	WithdrawLiquidity(ctx market.CallContext, positionID uint64, amount *uint256.Int) (bool, error)

	// --- Round lifecycle ---
	StartNewOptionRound(ctx market.CallContext) (uint64, state.OptionRoundParams, error)
	AuctionPlaceBid(ctx market.CallContext, size, price *uint256.Int) error
	SettleAuction(ctx market.CallContext) (*uint256.Int, error)
	SettleOptionRound(ctx market.CallContext) error

	// --- Buyer claims ---
	ClaimOptionPayout(ctx market.CallContext, roundID uint64, buyer common.Address) (*uint256.Int, error)
	RefundUnusedBidDeposit(ctx market.CallContext, roundID uint64, recipient common.Address) (*uint256.Int, error)

	// --- Round queries ---
	OptionRoundState() (state.RoundState, error)
	RoundState(roundID uint64) (state.RoundState, error)
	OptionRoundParams(roundID uint64) (state.OptionRoundParams, error)
	AuctionClearingPrice(roundID uint64) (*uint256.Int, error)
	TotalOptionsSold(roundID uint64) (*uint256.Int, error)
	CurrentOptionRound() (uint64, state.OptionRoundParams, error)
	NextOptionRound() (uint64, state.OptionRoundParams)
	Round(roundID uint64) (*state.Round, error)

	// --- Buyer queries ---
	UnusedBidDepositBalanceOf(roundID uint64, buyer common.Address) (*uint256.Int, error)
	PayoutBalanceOf(roundID uint64, buyer common.Address) (*uint256.Int, error)
	OptionBalanceOf(roundID uint64, buyer common.Address) (*uint256.Int, error)

	// --- Liquidity queries ---
	PremiumBalanceOf(positionID uint64) (*uint256.Int, error)
	CollateralBalanceOf(positionID uint64) (*uint256.Int, error)
	UnallocatedLiquidityBalanceOf(positionID uint64) (*uint256.Int, error)
	Position(positionID uint64) (ledger.Position, error)
	TotalCollateral() *uint256.Int
	TotalUnallocatedLiquidity() *uint256.Int

	// --- Vault ---
	VaultType() market.StrategyKind
	Decimals() uint8
}

var _ Vault = (*VaultEngine)(nil)
