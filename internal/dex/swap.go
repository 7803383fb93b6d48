package dex

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/pyrolabs/pyroswap/backend/internal/anchor/pyroswap"
	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
)

// ExecuteSwap runs the swap leg of an execution against the pool named in
// route, inside the caller's ledger transaction. route is [venue program,
// pool] as produced by Router.Resolve. Returns the output amount actually
// produced; any failure surfaces as ErrRouteRejected so the settlement is
// rolled back whole.
func ExecuteSwap(tx *ledger.Tx, dexType pyroswap.DexType, route solana.AccountMetaSlice, inputMint solana.PublicKey, amountIn, minAmountOut uint64) (uint64, error) {
	if len(route) < 2 {
		return 0, fmt.Errorf("%w: route has %d accounts, want 2", ErrRouteRejected, len(route))
	}
	program, err := VenueProgramID(dexType)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRouteRejected, err)
	}
	if !route[0].PublicKey.Equals(program) {
		return 0, fmt.Errorf("%w: route program %s does not match %s venue", ErrRouteRejected, route[0].PublicKey, dexType)
	}
	if amountIn == 0 {
		return 0, fmt.Errorf("%w: zero input amount", ErrRouteRejected)
	}

	poolAddress := route[1].PublicKey
	account, err := tx.Account(poolAddress)
	if err != nil {
		return 0, fmt.Errorf("%w: pool %s: %v", ErrRouteRejected, poolAddress, err)
	}
	if !account.Owner.Equals(program) {
		return 0, fmt.Errorf("%w: pool %s not owned by %s venue", ErrRouteRejected, poolAddress, dexType)
	}
	pool, err := ParsePoolState(account.Data)
	if err != nil {
		return 0, fmt.Errorf("%w: pool %s: %v", ErrRouteRejected, poolAddress, err)
	}

	amountOut, err := Quote(pool, inputMint, amountIn)
	if err != nil {
		return 0, fmt.Errorf("%w: pool %s: %v", ErrRouteRejected, poolAddress, err)
	}
	if amountOut < minAmountOut {
		return 0, fmt.Errorf("%w: output %d below minimum %d", ErrRouteRejected, amountOut, minAmountOut)
	}

	// The quote discounts the fee portion but the pool absorbs all of
	// amountIn, so the deposit needs its own wraparound check.
	if pool.MintA.Equals(inputMint) {
		if pool.ReserveA+amountIn < pool.ReserveA {
			return 0, fmt.Errorf("%w: pool %s reserve overflow", ErrRouteRejected, poolAddress)
		}
		pool.ReserveA += amountIn
		pool.ReserveB -= amountOut
	} else {
		if pool.ReserveB+amountIn < pool.ReserveB {
			return 0, fmt.Errorf("%w: pool %s reserve overflow", ErrRouteRejected, poolAddress)
		}
		pool.ReserveB += amountIn
		pool.ReserveA -= amountOut
	}
	data, err := pool.Marshal()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRouteRejected, err)
	}
	updated := *account
	updated.Data = data
	tx.Put(poolAddress, &updated)

	return amountOut, nil
}

// Quote prices amountIn of inputMint against the pool without mutating it:
// constant product with the venue fee charged on the input side,
// out = reserveOut * effectiveIn / (reserveIn + effectiveIn), floored.
func Quote(pool *PoolState, inputMint solana.PublicKey, amountIn uint64) (uint64, error) {
	var reserveIn, reserveOut uint64
	switch {
	case pool.MintA.Equals(inputMint):
		reserveIn, reserveOut = pool.ReserveA, pool.ReserveB
	case pool.MintB.Equals(inputMint):
		reserveIn, reserveOut = pool.ReserveB, pool.ReserveA
	default:
		return 0, fmt.Errorf("pool does not hold mint %s", inputMint)
	}
	if reserveIn == 0 || reserveOut == 0 {
		return 0, fmt.Errorf("no liquidity")
	}

	effectiveIn, err := pyroswap.MulDivFloor(amountIn, pyroswap.BpsDenominator-uint64(pool.FeeBps), pyroswap.BpsDenominator)
	if err != nil {
		return 0, err
	}
	if effectiveIn == 0 {
		return 0, fmt.Errorf("input too small after fee")
	}
	denominator := reserveIn + effectiveIn
	if denominator < reserveIn {
		return 0, fmt.Errorf("reserve overflow")
	}
	amountOut, err := pyroswap.MulDivFloor(reserveOut, effectiveIn, denominator)
	if err != nil {
		return 0, err
	}
	if amountOut == 0 || amountOut >= reserveOut {
		return 0, fmt.Errorf("cannot fill %d", amountIn)
	}
	return amountOut, nil
}
