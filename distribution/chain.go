/*
chain.go - Inviter chain resolution

STRATEGIES:
  IterativeResolver: walks the parent relation one InviterOf call per level.
                     One round trip per level; fine at low concurrency.
  RecursiveResolver: asks the store for the whole chain in one recursive
                     query (WITH RECURSIVE), bounded by maxLevels.

Both strategies stop when an account has no inviter, when maxLevels links
have been collected, or when an id repeats (cycle guard). The source account
counts as visited. For the same graph they return identical chains.

A missing source account yields an empty chain, not an error.
*/
package distribution

import (
	"context"
	"fmt"
)

// ResolverMode selects the chain resolution strategy.
type ResolverMode string

const (
	ModeIterative ResolverMode = "iterative"
	ModeRecursive ResolverMode = "recursive"
)

func (m ResolverMode) Optimized() bool { return m == ModeRecursive }

// ModeFor maps the administrative "optimized" switch to a mode.
func ModeFor(optimized bool) ResolverMode {
	if optimized {
		return ModeRecursive
	}
	return ModeIterative
}

// ParseResolverMode accepts "iterative" or "recursive". "optimized" is an
// alias of recursive, matching the administrative switch.
func ParseResolverMode(s string) (ResolverMode, error) {
	switch ResolverMode(s) {
	case ModeIterative, ModeRecursive:
		return ResolverMode(s), nil
	case "optimized":
		return ModeRecursive, nil
	}
	return "", fmt.Errorf("unknown resolver mode %q", s)
}

// ChainResolver resolves the ordered ancestor chain of an account.
type ChainResolver interface {
	Resolve(ctx context.Context, src ChainSource, id AccountID, maxLevels int) (Chain, error)
}

// ResolverFor returns the resolver of the given mode.
func ResolverFor(mode ResolverMode) ChainResolver {
	if mode == ModeRecursive {
		return RecursiveResolver{}
	}
	return IterativeResolver{}
}

// =============================================================================
// ITERATIVE
// =============================================================================

type IterativeResolver struct{}

func (IterativeResolver) Resolve(ctx context.Context, src ChainSource, id AccountID, maxLevels int) (Chain, error) {
	if maxLevels <= 0 {
		return Chain{}, nil
	}
	visited := map[AccountID]bool{id: true}
	chain := make(Chain, 0, maxLevels)

	current := id
	for level := 1; level <= maxLevels; level++ {
		inviter, ok, err := src.InviterOf(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("resolve level %d of %s: %w", level, id, err)
		}
		if !ok || visited[inviter] {
			break
		}
		visited[inviter] = true
		chain = append(chain, ChainLink{AccountID: inviter, Level: level})
		current = inviter
	}
	return chain, nil
}

// =============================================================================
// RECURSIVE
// =============================================================================

type RecursiveResolver struct{}

func (RecursiveResolver) Resolve(ctx context.Context, src ChainSource, id AccountID, maxLevels int) (Chain, error) {
	if maxLevels <= 0 {
		return Chain{}, nil
	}
	chain, err := src.InviterChain(ctx, id, maxLevels)
	if err != nil {
		return nil, fmt.Errorf("resolve chain of %s: %w", id, err)
	}
	if len(chain) > maxLevels {
		chain = chain[:maxLevels]
	}
	return chain, nil
}
