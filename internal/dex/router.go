package dex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/pyrolabs/pyroswap/backend/internal/anchor/pyroswap"
	"github.com/pyrolabs/pyroswap/backend/internal/ledger"
)

var (
	// ErrRouteUnavailable means no pool serves the pair on the requested venue.
	ErrRouteUnavailable = errors.New("dex: route unavailable")
	// ErrRouteRejected means the swap leg refused the trade, typically on slippage.
	ErrRouteRejected = errors.New("dex: route rejected")
)

// RouteConfig binds a trading pair on one venue to its pool account.
type RouteConfig struct {
	Dex        pyroswap.DexType
	InputMint  solana.PublicKey
	OutputMint solana.PublicKey
	Pool       solana.PublicKey
}

type routeKey struct {
	dex   pyroswap.DexType
	mintA solana.PublicKey
	mintB solana.PublicKey
}

// Router resolves a (venue, pair) to the account metas the execute
// instruction needs for its swap leg. The registry is static per process;
// routes come from configuration at startup.
type Router struct {
	store  *ledger.Store
	pools  map[routeKey]solana.PublicKey
	logger *slog.Logger
}

func NewRouter(store *ledger.Store, routes []RouteConfig, logger *slog.Logger) *Router {
	pools := make(map[routeKey]solana.PublicKey, len(routes))
	for _, route := range routes {
		pools[normalizeRouteKey(route.Dex, route.InputMint, route.OutputMint)] = route.Pool
	}
	return &Router{store: store, pools: pools, logger: logger.With("component", "dex_router")}
}

// Resolve returns the swap-leg metas for (dexType, inputMint -> outputMint):
// the venue program followed by the pool account. The pool is verified to
// exist, belong to the venue, and carry both mints before the route is
// handed out.
func (r *Router) Resolve(ctx context.Context, dexType pyroswap.DexType, inputMint, outputMint solana.PublicKey) (solana.AccountMetaSlice, error) {
	program, err := VenueProgramID(dexType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRouteUnavailable, err)
	}

	poolAddress, ok := r.pools[normalizeRouteKey(dexType, inputMint, outputMint)]
	if !ok {
		return nil, fmt.Errorf("%w: no %s pool for %s/%s", ErrRouteUnavailable, dexType, inputMint, outputMint)
	}

	account, err := r.store.Account(poolAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: pool %s: %v", ErrRouteUnavailable, poolAddress, err)
	}
	if !account.Owner.Equals(program) {
		return nil, fmt.Errorf("%w: pool %s not owned by %s venue", ErrRouteUnavailable, poolAddress, dexType)
	}
	pool, err := ParsePoolState(account.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: pool %s: %v", ErrRouteUnavailable, poolAddress, err)
	}
	if !pairMatches(pool, inputMint, outputMint) {
		return nil, fmt.Errorf("%w: pool %s does not serve %s/%s", ErrRouteUnavailable, poolAddress, inputMint, outputMint)
	}

	return solana.AccountMetaSlice{
		solana.Meta(program),
		solana.Meta(poolAddress).WRITE(),
	}, nil
}

func pairMatches(pool *PoolState, inputMint, outputMint solana.PublicKey) bool {
	if pool.MintA.Equals(inputMint) && pool.MintB.Equals(outputMint) {
		return true
	}
	return pool.MintB.Equals(inputMint) && pool.MintA.Equals(outputMint)
}

// normalizeRouteKey orders the mints so a route registered for A/B also
// resolves for B/A.
func normalizeRouteKey(dexType pyroswap.DexType, mintA, mintB solana.PublicKey) routeKey {
	if lexLess(mintB, mintA) {
		mintA, mintB = mintB, mintA
	}
	return routeKey{dex: dexType, mintA: mintA, mintB: mintB}
}

func lexLess(a, b solana.PublicKey) bool {
	return string(a.Bytes()) < string(b.Bytes())
}
