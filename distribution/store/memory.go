// Package store provides in-process Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/referral-engine/distribution"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	state
}

type balanceKey struct {
	AccountID distribution.AccountID
	Currency  distribution.Currency
}

type state struct {
	accounts     map[distribution.AccountID]distribution.Account
	balances     map[balanceKey]decimal.Decimal
	batches      map[distribution.BatchID]distribution.RewardBatch
	transactions []distribution.LedgerTransaction
	txIDs        map[string]bool
}

func newState() state {
	return state{
		accounts: make(map[distribution.AccountID]distribution.Account),
		balances: make(map[balanceKey]decimal.Decimal),
		batches:  make(map[distribution.BatchID]distribution.RewardBatch),
		txIDs:    make(map[string]bool),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

func (m *Memory) InviterOf(_ context.Context, id distribution.AccountID) (distribution.AccountID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inviterOf(id)
}

func (m *Memory) InviterChain(_ context.Context, id distribution.AccountID, maxLevels int) (distribution.Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inviterChain(id, maxLevels)
}

func (m *Memory) CreateAccount(_ context.Context, account distribution.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAccount(account)
}

func (m *Memory) GetAccount(_ context.Context, id distribution.AccountID) (*distribution.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccount(id)
}

func (m *Memory) CreditBalances(_ context.Context, currency distribution.Currency, credits []distribution.Credit, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditBalances(currency, credits)
}

func (m *Memory) CreateBatch(_ context.Context, batch distribution.RewardBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createBatch(batch)
}

func (m *Memory) GetBatch(_ context.Context, id distribution.BatchID) (*distribution.RewardBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBatch(id)
}

func (m *Memory) TransitionBatch(_ context.Context, id distribution.BatchID, t distribution.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionBatch(id, t)
}

func (m *Memory) ScanBatches(_ context.Context, filter distribution.BatchFilter) ([]distribution.RewardBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanBatches(filter), nil
}

func (m *Memory) InsertLedgerTransactions(_ context.Context, txs []distribution.LedgerTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLedgerTransactions(txs)
}

func (m *Memory) TransactionsForBatch(_ context.Context, id distribution.BatchID) ([]distribution.LedgerTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionsForBatch(id), nil
}

func (m *Memory) RecentTransactions(_ context.Context, recipient distribution.AccountID, limit int) ([]distribution.LedgerTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recentTransactions(recipient, limit), nil
}

// =============================================================================
// STATE OPERATIONS - callers hold the lock
// =============================================================================

func (s *state) inviterOf(id distribution.AccountID) (distribution.AccountID, bool, error) {
	a, ok := s.accounts[id]
	if !ok || a.InviterID == "" {
		return "", false, nil
	}
	return a.InviterID, true, nil
}

// inviterChain mirrors the recursive SQL query: same cycle guard, same cap.
func (s *state) inviterChain(id distribution.AccountID, maxLevels int) (distribution.Chain, error) {
	chain := distribution.Chain{}
	visited := map[distribution.AccountID]bool{id: true}
	current := id
	for level := 1; level <= maxLevels; level++ {
		inviter, ok, _ := s.inviterOf(current)
		if !ok || visited[inviter] {
			break
		}
		visited[inviter] = true
		chain = append(chain, distribution.ChainLink{AccountID: inviter, Level: level})
		current = inviter
	}
	return chain, nil
}

func (s *state) createAccount(account distribution.Account) error {
	if _, exists := s.accounts[account.ID]; exists {
		return fmt.Errorf("account %s: %w", account.ID, distribution.ErrDuplicateAccount)
	}
	if account.InviterID != "" {
		if _, ok := s.accounts[account.InviterID]; !ok {
			return fmt.Errorf("inviter %s: %w", account.InviterID, distribution.ErrInviterNotFound)
		}
	}
	s.accounts[account.ID] = distribution.Account{
		ID:        account.ID,
		InviterID: account.InviterID,
		CreatedAt: account.CreatedAt,
	}
	return nil
}

func (s *state) getAccount(id distribution.AccountID) (*distribution.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, distribution.ErrAccountNotFound)
	}
	a.Balances = make(map[distribution.Currency]decimal.Decimal)
	for k, v := range s.balances {
		if k.AccountID == id {
			a.Balances[k.Currency] = v
		}
	}
	return &a, nil
}

func (s *state) creditBalances(currency distribution.Currency, credits []distribution.Credit) error {
	for _, c := range credits {
		if _, ok := s.accounts[c.AccountID]; !ok {
			return fmt.Errorf("credit %s: %w", c.AccountID, distribution.ErrAccountNotFound)
		}
	}
	for _, c := range credits {
		k := balanceKey{AccountID: c.AccountID, Currency: currency}
		s.balances[k] = s.balances[k].Add(c.Amount)
	}
	return nil
}

func (s *state) createBatch(batch distribution.RewardBatch) error {
	if _, exists := s.batches[batch.BatchID]; exists {
		return fmt.Errorf("batch %s: %w", batch.BatchID, distribution.ErrDuplicateBatch)
	}
	s.batches[batch.BatchID] = batch
	return nil
}

func (s *state) getBatch(id distribution.BatchID) (*distribution.RewardBatch, error) {
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, distribution.ErrBatchNotFound)
	}
	return &b, nil
}

func (s *state) transitionBatch(id distribution.BatchID, t distribution.Transition) error {
	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("batch %s: %w", id, distribution.ErrBatchNotFound)
	}
	if !t.Allows(b.Status, b.Attempts) {
		return &distribution.TransitionError{BatchID: id, To: t.To, From: t.From}
	}
	t.Apply(&b)
	s.batches[id] = b
	return nil
}

func (s *state) scanBatches(filter distribution.BatchFilter) []distribution.RewardBatch {
	var out []distribution.RewardBatch
	for _, b := range s.batches {
		if filter.Matches(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].BatchID < out[j].BatchID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (s *state) insertLedgerTransactions(txs []distribution.LedgerTransaction) error {
	for _, tx := range txs {
		if s.txIDs[tx.ID] {
			return fmt.Errorf("ledger transaction %s: %w", tx.ID, distribution.ErrDuplicateBatch)
		}
		if _, ok := s.batches[tx.BatchID]; !ok {
			return fmt.Errorf("ledger transaction %s: %w", tx.ID, distribution.ErrBatchNotFound)
		}
	}
	for _, tx := range txs {
		s.txIDs[tx.ID] = true
		s.transactions = append(s.transactions, tx)
	}
	return nil
}

func (s *state) transactionsForBatch(id distribution.BatchID) []distribution.LedgerTransaction {
	var out []distribution.LedgerTransaction
	for _, tx := range s.transactions {
		if tx.BatchID == id {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

// recentTransactions returns newest first.
func (s *state) recentTransactions(recipient distribution.AccountID, limit int) []distribution.LedgerTransaction {
	var out []distribution.LedgerTransaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		tx := s.transactions[i]
		if tx.RecipientID != recipient {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The store lock is held for the whole of fn, so transactions serialize.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(distribution.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{state: &tm.state}); err != nil {
		tm.state = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		tm.state = snapshot
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() state {
	s := newState()
	for k, v := range tm.accounts {
		s.accounts[k] = v
	}
	for k, v := range tm.balances {
		s.balances[k] = v
	}
	for k, v := range tm.batches {
		s.batches[k] = v
	}
	for k, v := range tm.txIDs {
		s.txIDs[k] = v
	}
	s.transactions = append([]distribution.LedgerTransaction(nil), tm.transactions...)
	return s
}

// txMemoryView is the Store handed to WithTx callbacks. It works on the
// locked state directly.
type txMemoryView struct {
	state *state
}

func (tv *txMemoryView) InviterOf(_ context.Context, id distribution.AccountID) (distribution.AccountID, bool, error) {
	return tv.state.inviterOf(id)
}

func (tv *txMemoryView) InviterChain(_ context.Context, id distribution.AccountID, maxLevels int) (distribution.Chain, error) {
	return tv.state.inviterChain(id, maxLevels)
}

func (tv *txMemoryView) CreateAccount(_ context.Context, account distribution.Account) error {
	return tv.state.createAccount(account)
}

func (tv *txMemoryView) GetAccount(_ context.Context, id distribution.AccountID) (*distribution.Account, error) {
	return tv.state.getAccount(id)
}

func (tv *txMemoryView) CreditBalances(_ context.Context, currency distribution.Currency, credits []distribution.Credit, _ time.Time) error {
	return tv.state.creditBalances(currency, credits)
}

func (tv *txMemoryView) CreateBatch(_ context.Context, batch distribution.RewardBatch) error {
	return tv.state.createBatch(batch)
}

func (tv *txMemoryView) GetBatch(_ context.Context, id distribution.BatchID) (*distribution.RewardBatch, error) {
	return tv.state.getBatch(id)
}

func (tv *txMemoryView) TransitionBatch(_ context.Context, id distribution.BatchID, t distribution.Transition) error {
	return tv.state.transitionBatch(id, t)
}

func (tv *txMemoryView) ScanBatches(_ context.Context, filter distribution.BatchFilter) ([]distribution.RewardBatch, error) {
	return tv.state.scanBatches(filter), nil
}

func (tv *txMemoryView) InsertLedgerTransactions(_ context.Context, txs []distribution.LedgerTransaction) error {
	return tv.state.insertLedgerTransactions(txs)
}

func (tv *txMemoryView) TransactionsForBatch(_ context.Context, id distribution.BatchID) ([]distribution.LedgerTransaction, error) {
	return tv.state.transactionsForBatch(id), nil
}

func (tv *txMemoryView) RecentTransactions(_ context.Context, recipient distribution.AccountID, limit int) ([]distribution.LedgerTransaction, error) {
	return tv.state.recentTransactions(recipient, limit), nil
}
