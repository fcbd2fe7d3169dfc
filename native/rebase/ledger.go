package rebase

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"rebasechain/core/events"
	"rebasechain/crypto"
	"rebasechain/native/access"
	nativecommon "rebasechain/native/common"
)

const moduleName = nativecommon.ModuleLedger

// Ledger is the interest-accruing balance ledger of one domain. Every holder
// accrues linearly at the rate assigned to it when it first received units;
// any operation touching a holder first settles the interest owed so far.
type Ledger struct {
	store   Storage
	policy  *access.Policy
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() uint64
}

// NewLedger constructs a ledger bound to the provided storage and role policy.
func NewLedger(store Storage, policy *access.Policy) *Ledger {
	return &Ledger{
		store:   store,
		policy:  policy,
		emitter: events.NoopEmitter{},
		nowFn:   func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetEmitter configures the event emitter. Passing nil installs a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func (l *Ledger) SetPauses(p nativecommon.PauseView) { l.pauses = p }

// SetNowFunc overrides the time source. Timestamps are unix seconds.
func (l *Ledger) SetNowFunc(now func() uint64) {
	if now == nil {
		l.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	l.nowFn = now
}

func (l *Ledger) now() uint64 { return l.nowFn() }

func (l *Ledger) emit(evt events.Event) {
	if l.emitter != nil {
		l.emitter.Emit(evt)
	}
}

func (l *Ledger) ready() error {
	if l == nil || l.store == nil {
		return errNilState
	}
	return nil
}

// --- storage helpers ---

func (l *Ledger) loadHolder(addr crypto.Address) (*HolderAccount, error) {
	acct := newHolderAccount()
	ok, err := l.store.KVGet(holderKey(addr.Bytes()), acct)
	if err != nil {
		return nil, fmt.Errorf("rebase: load holder %s: %w", addr, err)
	}
	if !ok {
		return newHolderAccount(), nil
	}
	acct.normalize()
	acct.indexed = true
	return acct, nil
}

// storeHolder writes acct and adds a first-time holder to the index.
func (l *Ledger) storeHolder(addr crypto.Address, acct *HolderAccount) error {
	if err := l.store.KVPut(holderKey(addr.Bytes()), acct); err != nil {
		return err
	}
	if acct.indexed {
		return nil
	}
	if err := l.store.KVAppend(holderIndexKey, addr.Bytes()); err != nil {
		return err
	}
	acct.indexed = true
	return nil
}

func (l *Ledger) loadGlobal() (*GlobalState, error) {
	global := &GlobalState{Rate: new(uint256.Int)}
	if _, err := l.store.KVGet(globalKey, global); err != nil {
		return nil, fmt.Errorf("rebase: load global state: %w", err)
	}
	if global.Rate == nil {
		global.Rate = new(uint256.Int)
	}
	return global, nil
}

// settle folds the interest owed to acct since its last accrual into its
// principal and advances LastAccrual to now. Settling twice at the same
// timestamp mints nothing the second time.
func (l *Ledger) settle(addr crypto.Address, acct *HolderAccount, now uint64) error {
	if now <= acct.LastAccrual {
		return nil
	}
	balance, err := balanceAt(acct, now)
	if err != nil {
		return err
	}
	owed := new(uint256.Int).Sub(balance, acct.Principal)
	acct.Principal = balance
	acct.LastAccrual = now
	if !owed.IsZero() {
		l.emit(events.InterestSettled{Holder: addr, Amount: owed, Timestamp: now})
	}
	return nil
}

func balanceAt(acct *HolderAccount, now uint64) (*uint256.Int, error) {
	if acct.Principal.IsZero() {
		return new(uint256.Int), nil
	}
	multiplier, err := AccruedMultiplier(now, acct.LastAccrual, acct.Rate)
	if err != nil {
		return nil, err
	}
	return accrue(acct.Principal, multiplier)
}

// --- views ---

// BalanceOf returns the holder's principal plus the interest accrued since the
// last settlement. It never writes state.
func (l *Ledger) BalanceOf(holder crypto.Address) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	acct, err := l.loadHolder(holder)
	if err != nil {
		return nil, err
	}
	return balanceAt(acct, l.now())
}

// PrincipalBalanceOf returns the settled principal without pending interest.
func (l *Ledger) PrincipalBalanceOf(holder crypto.Address) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	acct, err := l.loadHolder(holder)
	if err != nil {
		return nil, err
	}
	return acct.Principal, nil
}

// UserInterestRate returns the rate assigned to the holder.
func (l *Ledger) UserInterestRate(holder crypto.Address) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	acct, err := l.loadHolder(holder)
	if err != nil {
		return nil, err
	}
	return acct.Rate, nil
}

// Account returns a copy of the stored holder record.
func (l *Ledger) Account(holder crypto.Address) (*HolderAccount, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	return l.loadHolder(holder)
}

// InterestRate returns the global rate offered to new depositors.
func (l *Ledger) InterestRate() (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	global, err := l.loadGlobal()
	if err != nil {
		return nil, err
	}
	return global.Rate, nil
}

// Holders lists every address that ever held an account, in first-seen order.
func (l *Ledger) Holders() ([]crypto.Address, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	var raw [][]byte
	if err := l.store.KVGetList(holderIndexKey, &raw); err != nil {
		return nil, err
	}
	holders := make([]crypto.Address, 0, len(raw))
	for _, b := range raw {
		addr, err := crypto.AddressFromBytes(crypto.HolderPrefix, b)
		if err != nil {
			return nil, fmt.Errorf("rebase: holder index: %w", err)
		}
		holders = append(holders, addr)
	}
	return holders, nil
}

// TotalPrincipal sums the settled principal of every holder.
func (l *Ledger) TotalPrincipal() (*uint256.Int, error) {
	return l.sumHolders(func(acct *HolderAccount, _ uint64) (*uint256.Int, error) {
		return acct.Principal, nil
	})
}

// TotalSupply sums every holder's current balance, unsettled interest
// included. The value is evaluated lazily and grows with time.
func (l *Ledger) TotalSupply() (*uint256.Int, error) {
	return l.sumHolders(balanceAt)
}

func (l *Ledger) sumHolders(value func(*HolderAccount, uint64) (*uint256.Int, error)) (*uint256.Int, error) {
	holders, err := l.Holders()
	if err != nil {
		return nil, err
	}
	now := l.now()
	total := new(uint256.Int)
	for _, holder := range holders {
		acct, err := l.loadHolder(holder)
		if err != nil {
			return nil, err
		}
		v, err := value(acct, now)
		if err != nil {
			return nil, err
		}
		if _, overflow := total.AddOverflow(total, v); overflow {
			return nil, ErrOverflow
		}
	}
	return total, nil
}

// Allowance returns the amount spender may still move on behalf of owner.
func (l *Ledger) Allowance(owner, spender crypto.Address) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	record := allowanceRecord{Amount: new(uint256.Int)}
	if _, err := l.store.KVGet(allowanceKey(owner.Bytes(), spender.Bytes()), &record); err != nil {
		return nil, err
	}
	if record.Amount == nil {
		return new(uint256.Int), nil
	}
	return record.Amount, nil
}

// --- rate governance ---

// InitInterestRate seeds the global rate at domain genesis. It can only run
// once.
func (l *Ledger) InitInterestRate(rate *uint256.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	global, err := l.loadGlobal()
	if err != nil {
		return err
	}
	if global.Initialized {
		return ErrAlreadyInitialized
	}
	if rate == nil {
		rate = new(uint256.Int)
	}
	return l.store.KVPut(globalKey, &GlobalState{Rate: new(uint256.Int).Set(rate), Initialized: true})
}

// SetInterestRate lowers the global rate. Only the rate authority may call it
// and the rate can never increase; existing holders keep their assigned rate.
func (l *Ledger) SetInterestRate(caller crypto.Address, newRate *uint256.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := l.policy.Require(access.RoleRateAuthority, caller); err != nil {
		return err
	}
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return err
	}
	if newRate == nil {
		newRate = new(uint256.Int)
	}
	global, err := l.loadGlobal()
	if err != nil {
		return err
	}
	if newRate.Gt(global.Rate) {
		return &RateIncreaseError{Old: global.Rate, New: new(uint256.Int).Set(newRate)}
	}
	previous := global.Rate
	global.Rate = new(uint256.Int).Set(newRate)
	global.Initialized = true
	if err := l.store.KVPut(globalKey, global); err != nil {
		return err
	}
	l.emit(events.RateChanged{Previous: previous, Rate: global.Rate})
	return nil
}

// GrantMintAndBurnRole lets the owner authorise a vault or bridge endpoint.
func (l *Ledger) GrantMintAndBurnRole(caller, account crypto.Address) error {
	if err := l.ready(); err != nil {
		return err
	}
	return l.policy.Grant(caller, access.RoleMintBurn, account)
}

// --- supply changes ---

// Mint credits amount to holder `to` and assigns it rate. Callers pick the
// rate: the global rate for fresh deposits, the payload rate for bridge mints.
func (l *Ledger) Mint(caller, to crypto.Address, amount, rate *uint256.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := l.policy.Require(access.RoleMintBurn, caller); err != nil {
		return err
	}
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return err
	}
	if to.IsZero() {
		return fmt.Errorf("%w: mint to zero address", ErrInvalidAddress)
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	if rate == nil {
		rate = new(uint256.Int)
	}
	acct, err := l.loadHolder(to)
	if err != nil {
		return err
	}
	now := l.now()
	if err := l.settle(to, acct, now); err != nil {
		return err
	}
	acct.Rate = new(uint256.Int).Set(rate)
	if _, overflow := acct.Principal.AddOverflow(acct.Principal, amount); overflow {
		return ErrOverflow
	}
	if acct.LastAccrual < now {
		acct.LastAccrual = now
	}
	if err := l.storeHolder(to, acct); err != nil {
		return err
	}
	l.emit(events.Mint{To: to, Amount: new(uint256.Int).Set(amount), Rate: acct.Rate})
	return nil
}

// Burn destroys amount of from's settled balance and returns the amount
// burned. MaxAmount resolves to the full balance after settlement.
func (l *Ledger) Burn(caller, from crypto.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	if err := l.policy.Require(access.RoleMintBurn, caller); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	acct, err := l.loadHolder(from)
	if err != nil {
		return nil, err
	}
	now := l.now()
	if err := l.settle(from, acct, now); err != nil {
		return nil, err
	}
	burned := resolveAmount(amount, acct.Principal)
	if burned.Gt(acct.Principal) {
		return nil, insufficientBalance(acct.Principal, burned)
	}
	acct.Principal.Sub(acct.Principal, burned)
	if acct.LastAccrual < now {
		acct.LastAccrual = now
	}
	if err := l.storeHolder(from, acct); err != nil {
		return nil, err
	}
	l.emit(events.Burn{From: from, Amount: burned})
	return new(uint256.Int).Set(burned), nil
}

// --- transfers ---

// Transfer moves amount from `from` to `to` and returns the amount moved.
func (l *Ledger) Transfer(from, to crypto.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	return l.transfer(from, to, amount, nil)
}

// TransferFrom moves owner's units on the spender's behalf, consuming the
// allowance by the resolved amount. A MaxAmount allowance is never reduced.
func (l *Ledger) TransferFrom(spender, owner, to crypto.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	return l.transfer(owner, to, amount, func(resolved *uint256.Int) error {
		allowance, err := l.Allowance(owner, spender)
		if err != nil {
			return err
		}
		if IsMaxAmount(allowance) {
			return nil
		}
		if resolved.Gt(allowance) {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowance.Dec(), resolved.Dec())
		}
		remaining := new(uint256.Int).Sub(allowance, resolved)
		return l.store.KVPut(allowanceKey(owner.Bytes(), spender.Bytes()), &allowanceRecord{Amount: remaining})
	})
}

// Approve sets the amount spender may move on behalf of owner.
func (l *Ledger) Approve(owner, spender crypto.Address, amount *uint256.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return err
	}
	if owner.IsZero() || spender.IsZero() {
		return fmt.Errorf("%w: approval requires owner and spender", ErrInvalidAddress)
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	record := &allowanceRecord{Amount: new(uint256.Int).Set(amount)}
	if err := l.store.KVPut(allowanceKey(owner.Bytes(), spender.Bytes()), record); err != nil {
		return err
	}
	l.emit(events.Approval{Owner: owner, Spender: spender, Amount: record.Amount})
	return nil
}

func (l *Ledger) transfer(from, to crypto.Address, amount *uint256.Int, consume func(*uint256.Int) error) (*uint256.Int, error) {
	if err := nativecommon.Guard(l.pauses, moduleName); err != nil {
		return nil, err
	}
	if from.IsZero() || to.IsZero() {
		return nil, fmt.Errorf("%w: transfer requires sender and recipient", ErrInvalidAddress)
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	now := l.now()

	sender, err := l.loadHolder(from)
	if err != nil {
		return nil, err
	}
	if err := l.settle(from, sender, now); err != nil {
		return nil, err
	}

	if from.Equal(to) {
		moved := resolveAmount(amount, sender.Principal)
		if moved.Gt(sender.Principal) {
			return nil, insufficientBalance(sender.Principal, moved)
		}
		if consume != nil {
			if err := consume(moved); err != nil {
				return nil, err
			}
		}
		if err := l.storeHolder(from, sender); err != nil {
			return nil, err
		}
		l.emit(events.Transfer{From: from, To: to, Amount: moved})
		return new(uint256.Int).Set(moved), nil
	}

	recipient, err := l.loadHolder(to)
	if err != nil {
		return nil, err
	}
	if err := l.settle(to, recipient, now); err != nil {
		return nil, err
	}

	moved := resolveAmount(amount, sender.Principal)
	if moved.Gt(sender.Principal) {
		return nil, insufficientBalance(sender.Principal, moved)
	}
	if consume != nil {
		if err := consume(moved); err != nil {
			return nil, err
		}
	}

	// An economically empty recipient inherits the sender's rate instead of
	// keeping a stale rate or defaulting to the current global rate.
	if recipient.Principal.IsZero() {
		recipient.Rate = new(uint256.Int).Set(sender.Rate)
	}
	if _, overflow := recipient.Principal.AddOverflow(recipient.Principal, moved); overflow {
		return nil, ErrOverflow
	}
	sender.Principal.Sub(sender.Principal, moved)
	if recipient.LastAccrual < now {
		recipient.LastAccrual = now
	}
	if sender.LastAccrual < now {
		sender.LastAccrual = now
	}

	if err := l.storeHolder(from, sender); err != nil {
		return nil, err
	}
	if err := l.storeHolder(to, recipient); err != nil {
		return nil, err
	}
	l.emit(events.Transfer{From: from, To: to, Amount: moved})
	return new(uint256.Int).Set(moved), nil
}

// resolveAmount substitutes the sentinel with the settled principal. It must
// run after settlement, otherwise it would drop the unsettled interest.
func resolveAmount(amount, settled *uint256.Int) *uint256.Int {
	if IsMaxAmount(amount) {
		return new(uint256.Int).Set(settled)
	}
	return new(uint256.Int).Set(amount)
}
