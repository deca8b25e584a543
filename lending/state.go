package lending

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/shopspring/decimal"

	match "github.com/0x5487/margin-engine"
)

// StateFileName is the pool state file written next to the engine snapshot.
const StateFileName = "lending.json"

// State is a point-in-time copy of every reserve and position.
type State struct {
	Reserves  []ReserveState  `json:"reserves"`
	Positions []PositionState `json:"positions"`
}

type ReserveState struct {
	Asset     match.Asset     `json:"asset"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Borrowed  decimal.Decimal `json:"borrowed"`
}

type PositionState struct {
	User       match.Address                   `json:"user"`
	Collateral map[match.Asset]decimal.Decimal `json:"collateral,omitempty"`
	Debt       map[match.Asset]decimal.Decimal `json:"debt,omitempty"`
}

// Snapshot copies the pool state. Empty positions are left out.
func (p *Pool) Snapshot() *State {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := &State{
		Reserves:  make([]ReserveState, 0, len(p.reserves)),
		Positions: make([]PositionState, 0, len(p.positions)),
	}
	for asset, r := range p.reserves {
		st.Reserves = append(st.Reserves, ReserveState{Asset: asset, Liquidity: r.liquidity, Borrowed: r.borrowed})
	}
	for user, pos := range p.positions {
		ps := PositionState{User: user}
		for asset, amount := range pos.collateral {
			if amount.IsZero() {
				continue
			}
			if ps.Collateral == nil {
				ps.Collateral = make(map[match.Asset]decimal.Decimal)
			}
			ps.Collateral[asset] = amount
		}
		for asset, amount := range pos.debt {
			if ps.Debt == nil {
				ps.Debt = make(map[match.Asset]decimal.Decimal)
			}
			ps.Debt[asset] = amount
		}
		if ps.Collateral == nil && ps.Debt == nil {
			continue
		}
		st.Positions = append(st.Positions, ps)
	}

	sort.Slice(st.Reserves, func(i, j int) bool {
		return st.Reserves[i].Asset < st.Reserves[j].Asset
	})
	sort.Slice(st.Positions, func(i, j int) bool {
		return st.Positions[i].User < st.Positions[j].User
	})
	return st
}

// Restore replaces reserves and positions with st. Assets must be configured
// on the pool; nothing changes when st is invalid.
func (p *Pool) Restore(st *State) error {
	if st == nil {
		return match.ErrInvalidParam
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, rs := range st.Reserves {
		if _, ok := p.reserves[rs.Asset]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAsset, rs.Asset)
		}
		if rs.Liquidity.IsNegative() || rs.Borrowed.IsNegative() || rs.Borrowed.GreaterThan(rs.Liquidity) {
			return fmt.Errorf("%w: reserve %s", match.ErrInvalidParam, rs.Asset)
		}
	}
	for _, ps := range st.Positions {
		for _, m := range []map[match.Asset]decimal.Decimal{ps.Collateral, ps.Debt} {
			for asset, amount := range m {
				if _, ok := p.reserves[asset]; !ok {
					return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
				}
				if amount.IsNegative() {
					return fmt.Errorf("%w: position %s %s", match.ErrInvalidParam, ps.User, asset)
				}
			}
		}
	}

	for _, r := range p.reserves {
		r.liquidity, r.borrowed = decimal.Zero, decimal.Zero
	}
	for _, rs := range st.Reserves {
		r := p.reserves[rs.Asset]
		r.liquidity, r.borrowed = rs.Liquidity, rs.Borrowed
	}
	p.positions = make(map[match.Address]*position, len(st.Positions))
	for _, ps := range st.Positions {
		pos := p.position(ps.User)
		for asset, amount := range ps.Collateral {
			pos.collateral[asset] = amount
		}
		for asset, amount := range ps.Debt {
			pos.debt[asset] = amount
		}
	}
	return nil
}

// SaveState writes the pool state to dir/lending.json through a temp file.
func (p *Pool) SaveState(dir string) error {
	data, err := json.MarshalIndent(p.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lending state: %w", err)
	}
	path := filepath.Join(dir, StateFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write lending state: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadState restores the pool from dir/lending.json. It returns an error
// matching os.ErrNotExist when no state was saved.
func (p *Pool) LoadState(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if err != nil {
		return err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode lending state: %w", err)
	}
	return p.Restore(&st)
}
