package match

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Balance is one (user, asset) entry. Both fields are never negative.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Total is the accounting balance, available plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// LedgerEntry is the serializable form of a balance, used by snapshots.
type LedgerEntry struct {
	User      Address         `json:"user"`
	Asset     Asset           `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

type balanceKey struct {
	user  Address
	asset Asset
}

func (k balanceKey) less(o balanceKey) bool {
	if k.user != o.user {
		return k.user < o.user
	}
	return k.asset < o.asset
}

type account struct {
	mu  sync.Mutex
	bal Balance
}

// Ledger is the single source of truth for funds. Access is serialized per
// (user, asset); a LedgerBatch spanning several entries locks them in key order.
type Ledger struct {
	mu       sync.RWMutex // guards the maps, not the balances
	accounts map[Address]map[Asset]*account
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[Address]map[Asset]*account),
	}
}

func (l *Ledger) lookup(key balanceKey) *account {
	l.mu.RLock()
	acct := l.accounts[key.user][key.asset]
	l.mu.RUnlock()
	if acct != nil {
		return acct
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	assets, ok := l.accounts[key.user]
	if !ok {
		assets = make(map[Asset]*account)
		l.accounts[key.user] = assets
	}
	acct, ok = assets[key.asset]
	if !ok {
		acct = &account{}
		assets[key.asset] = acct
	}
	return acct
}

// Balance returns the current entry for user and asset. Unknown entries are zero.
func (l *Ledger) Balance(user Address, asset Asset) Balance {
	l.mu.RLock()
	acct := l.accounts[user][asset]
	l.mu.RUnlock()
	if acct == nil {
		return Balance{}
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.bal
}

// Balances returns every entry of a user.
func (l *Ledger) Balances(user Address) map[Asset]Balance {
	l.mu.RLock()
	assets := make(map[Asset]*account, len(l.accounts[user]))
	for asset, acct := range l.accounts[user] {
		assets[asset] = acct
	}
	l.mu.RUnlock()

	result := make(map[Asset]Balance, len(assets))
	for asset, acct := range assets {
		acct.mu.Lock()
		result[asset] = acct.bal
		acct.mu.Unlock()
	}
	return result
}

// Lock moves amount from available to locked.
func (l *Ledger) Lock(user Address, asset Asset, amount decimal.Decimal) error {
	return l.NewBatch().Lock(user, asset, amount).Commit()
}

// Unlock moves amount from locked back to available.
func (l *Ledger) Unlock(user Address, asset Asset, amount decimal.Decimal) error {
	return l.NewBatch().Unlock(user, asset, amount).Commit()
}

// TransferLocked pays amount out of from's locked balance into to's available balance.
func (l *Ledger) TransferLocked(from, to Address, asset Asset, amount decimal.Decimal) error {
	return l.NewBatch().TransferLocked(from, to, asset, amount).Commit()
}

// Credit adds amount to available. Used for deposits and borrowed funds.
func (l *Ledger) Credit(user Address, asset Asset, amount decimal.Decimal) error {
	return l.NewBatch().Credit(user, asset, amount).Commit()
}

// Debit removes amount from available. Used for withdrawals.
func (l *Ledger) Debit(user Address, asset Asset, amount decimal.Decimal) error {
	return l.NewBatch().Debit(user, asset, amount).Commit()
}

// Snapshot returns every non-zero entry sorted by user and asset.
// All entries are locked together so the result is a consistent cut.
func (l *Ledger) Snapshot() []LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]balanceKey, 0)
	for user, assets := range l.accounts {
		for asset := range assets {
			keys = append(keys, balanceKey{user: user, asset: asset})
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	for _, k := range keys {
		l.accounts[k.user][k.asset].mu.Lock()
	}
	defer func() {
		for _, k := range keys {
			l.accounts[k.user][k.asset].mu.Unlock()
		}
	}()

	entries := make([]LedgerEntry, 0, len(keys))
	for _, k := range keys {
		bal := l.accounts[k.user][k.asset].bal
		if bal.Available.IsZero() && bal.Locked.IsZero() {
			continue
		}
		entries = append(entries, LedgerEntry{User: k.user, Asset: k.asset, Available: bal.Available, Locked: bal.Locked})
	}
	return entries
}

// Restore replaces the ledger content with entries.
func (l *Ledger) Restore(entries []LedgerEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.accounts = make(map[Address]map[Asset]*account)
	for _, e := range entries {
		assets, ok := l.accounts[e.User]
		if !ok {
			assets = make(map[Asset]*account)
			l.accounts[e.User] = assets
		}
		assets[e.Asset] = &account{bal: Balance{Available: e.Available, Locked: e.Locked}}
	}
}

type ledgerOpKind uint8

const (
	opLock ledgerOpKind = iota + 1
	opUnlock
	opTransferLocked
	opCredit
	opDebit
)

func (k ledgerOpKind) String() string {
	switch k {
	case opLock:
		return "lock"
	case opUnlock:
		return "unlock"
	case opTransferLocked:
		return "transfer_locked"
	case opCredit:
		return "credit"
	case opDebit:
		return "debit"
	}
	return "unknown"
}

type ledgerOp struct {
	kind   ledgerOpKind
	from   Address
	to     Address
	asset  Asset
	amount decimal.Decimal
}

// LedgerBatch stages ledger operations and applies them all-or-nothing on Commit.
// Operations are applied in the order they were staged, so a batch may lock
// funds and pay them out in the same commit.
type LedgerBatch struct {
	ledger *Ledger
	ops    []ledgerOp
	err    error
}

// NewBatch starts an empty batch.
func (l *Ledger) NewBatch() *LedgerBatch {
	return &LedgerBatch{ledger: l, ops: make([]ledgerOp, 0, 4)}
}

func (b *LedgerBatch) add(op ledgerOp) *LedgerBatch {
	if b.err != nil {
		return b
	}
	if !op.amount.IsPositive() {
		b.err = fmt.Errorf("%w: %s %s %s", ErrInvalidAmount, op.kind, op.asset, op.amount)
		return b
	}
	b.ops = append(b.ops, op)
	return b
}

func (b *LedgerBatch) Lock(user Address, asset Asset, amount decimal.Decimal) *LedgerBatch {
	return b.add(ledgerOp{kind: opLock, from: user, asset: asset, amount: amount})
}

func (b *LedgerBatch) Unlock(user Address, asset Asset, amount decimal.Decimal) *LedgerBatch {
	return b.add(ledgerOp{kind: opUnlock, from: user, asset: asset, amount: amount})
}

func (b *LedgerBatch) TransferLocked(from, to Address, asset Asset, amount decimal.Decimal) *LedgerBatch {
	return b.add(ledgerOp{kind: opTransferLocked, from: from, to: to, asset: asset, amount: amount})
}

func (b *LedgerBatch) Credit(user Address, asset Asset, amount decimal.Decimal) *LedgerBatch {
	return b.add(ledgerOp{kind: opCredit, to: user, asset: asset, amount: amount})
}

func (b *LedgerBatch) Debit(user Address, asset Asset, amount decimal.Decimal) *LedgerBatch {
	return b.add(ledgerOp{kind: opDebit, from: user, asset: asset, amount: amount})
}

// Len returns the number of staged operations.
func (b *LedgerBatch) Len() int {
	return len(b.ops)
}

// Commit validates and applies the batch. On error nothing is written.
func (b *LedgerBatch) Commit() error {
	if b.err != nil {
		return b.err
	}
	if len(b.ops) == 0 {
		return nil
	}

	keys := make([]balanceKey, 0, len(b.ops)*2)
	seen := make(map[balanceKey]struct{}, len(b.ops)*2)
	addKey := func(user Address, asset Asset) {
		if user == "" {
			return
		}
		k := balanceKey{user: user, asset: asset}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for _, op := range b.ops {
		addKey(op.from, op.asset)
		addKey(op.to, op.asset)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	// Resolve every entry before taking any account lock; lookup may need the map lock.
	accts := make(map[balanceKey]*account, len(keys))
	for _, k := range keys {
		accts[k] = b.ledger.lookup(k)
	}
	for _, k := range keys {
		accts[k].mu.Lock()
	}
	defer func() {
		for _, k := range keys {
			accts[k].mu.Unlock()
		}
	}()

	scratch := make(map[balanceKey]Balance, len(keys))
	for k, acct := range accts {
		scratch[k] = acct.bal
	}

	for _, op := range b.ops {
		if err := applyOp(scratch, op); err != nil {
			return err
		}
	}

	for k, bal := range scratch {
		accts[k].bal = bal
	}
	return nil
}

func applyOp(scratch map[balanceKey]Balance, op ledgerOp) error {
	from := balanceKey{user: op.from, asset: op.asset}
	to := balanceKey{user: op.to, asset: op.asset}

	switch op.kind {
	case opLock:
		bal := scratch[from]
		if bal.Available.LessThan(op.amount) {
			return fmt.Errorf("%w: lock %s %s of %s, available %s", ErrInsufficientBalance, op.amount, op.asset, op.from, bal.Available)
		}
		bal.Available = bal.Available.Sub(op.amount)
		bal.Locked = bal.Locked.Add(op.amount)
		scratch[from] = bal
	case opUnlock:
		bal := scratch[from]
		if bal.Locked.LessThan(op.amount) {
			return fmt.Errorf("%w: unlock %s %s of %s, locked %s", ErrInsufficientLocked, op.amount, op.asset, op.from, bal.Locked)
		}
		bal.Locked = bal.Locked.Sub(op.amount)
		bal.Available = bal.Available.Add(op.amount)
		scratch[from] = bal
	case opTransferLocked:
		src := scratch[from]
		if src.Locked.LessThan(op.amount) {
			return fmt.Errorf("%w: transfer %s %s from %s, locked %s", ErrInsufficientLocked, op.amount, op.asset, op.from, src.Locked)
		}
		src.Locked = src.Locked.Sub(op.amount)
		scratch[from] = src
		dst := scratch[to]
		dst.Available = dst.Available.Add(op.amount)
		scratch[to] = dst
	case opCredit:
		bal := scratch[to]
		bal.Available = bal.Available.Add(op.amount)
		scratch[to] = bal
	case opDebit:
		bal := scratch[from]
		if bal.Available.LessThan(op.amount) {
			return fmt.Errorf("%w: debit %s %s of %s, available %s", ErrInsufficientBalance, op.amount, op.asset, op.from, bal.Available)
		}
		bal.Available = bal.Available.Sub(op.amount)
		scratch[from] = bal
	default:
		return fmt.Errorf("%w: unknown ledger op %d", ErrInternal, op.kind)
	}
	return nil
}
