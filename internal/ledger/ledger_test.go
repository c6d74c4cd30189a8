package ledger

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/CedrosPay/holdledger/internal/callbacks"
	"github.com/CedrosPay/holdledger/internal/config"
	"github.com/CedrosPay/holdledger/internal/metrics"
	"github.com/CedrosPay/holdledger/internal/money"
	"github.com/CedrosPay/holdledger/internal/storage"
	"github.com/CedrosPay/holdledger/internal/token"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

const owner = "owner.near"

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func defaultPolicy() Policy {
	return Policy{
		Owner:                   owner,
		MintPolicy:              config.MintPolicyMulti,
		UniqueIntents:           true,
		EnforceWindow:           true,
		LockTransfersDuringBurn: true,
		DefaultBatchLimit:       10,
	}
}

func newTestLedger(t *testing.T, store storage.Store, mutate func(*Policy), opts ...Option) *Ledger {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	policy := defaultPolicy()
	if mutate != nil {
		mutate(&policy)
	}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	l, err := New(store, token.NewBook(money.DefaultToken, nil), policy, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func mustMint(t *testing.T, l *Ledger, account, intent string, amount money.Amount) MintResult {
	t.Helper()
	res, err := l.Mint(context.Background(), owner, account, intent, amount)
	if err != nil {
		t.Fatalf("Mint(%s, %s, %d): %v", account, intent, amount, err)
	}
	return res
}

type pair struct {
	intent  string
	capture money.Amount
}

func pairs(in []CaptureInstruction) []pair {
	out := make([]pair, len(in))
	for i, c := range in {
		out[i] = pair{c.IntentID, c.Amount}
	}
	return out
}

type snapshot struct {
	Supply   money.Amount
	Open     bool
	Balances map[string]money.Amount
	Pledges  map[string][]storage.Pledge
}

func takeSnapshot(t *testing.T, l *Ledger, accounts ...string) snapshot {
	t.Helper()
	ctx := context.Background()
	s := snapshot{Balances: map[string]money.Amount{}, Pledges: map[string][]storage.Pledge{}}
	var err error
	if s.Supply, err = l.TotalSupply(ctx); err != nil {
		t.Fatalf("TotalSupply: %v", err)
	}
	if s.Open, err = l.BurnWindowOpen(ctx); err != nil {
		t.Fatalf("BurnWindowOpen: %v", err)
	}
	for _, a := range accounts {
		if s.Balances[a], err = l.BalanceOf(ctx, a); err != nil {
			t.Fatalf("BalanceOf: %v", err)
		}
		if s.Pledges[a], err = l.Pledges(ctx, a); err != nil {
			t.Fatalf("Pledges: %v", err)
		}
	}
	return s
}

func TestNew_Validation(t *testing.T) {
	book := token.NewBook(money.DefaultToken, nil)
	store := storage.NewMemoryStore()

	tests := []struct {
		name   string
		store  storage.Store
		book   *token.Book
		policy Policy
	}{
		{"missing store", nil, book, defaultPolicy()},
		{"missing book", store, nil, defaultPolicy()},
		{"missing owner", store, book, Policy{MintPolicy: config.MintPolicyMulti}},
		{"unknown policy", store, book, Policy{Owner: owner, MintPolicy: "single"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.store, tt.book, tt.policy); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	l, err := New(store, book, Policy{Owner: owner})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p := l.Policy(); p.MintPolicy != config.MintPolicyMulti || p.DefaultBatchLimit != DefaultBatchLimit {
		t.Errorf("defaults not applied: %+v", p)
	}
}

func TestAllocate_FIFO(t *testing.T) {
	pledges := []storage.Pledge{
		{IntentID: "p0", Amount: 10, Seq: 0},
		{IntentID: "p1", Amount: 20, Seq: 1},
		{IntentID: "p2", Amount: 20, Seq: 2},
		{IntentID: "p3", Amount: 20, Seq: 3},
	}

	allocs, remaining := Allocate(pledges, 25)

	wantBurn := []money.Amount{10, 15, 0, 0}
	wantCapture := []money.Amount{0, 5, 20, 20}
	if len(allocs) != 4 {
		t.Fatalf("got %d allocations, want 4", len(allocs))
	}
	for i, a := range allocs {
		if a.Burn != wantBurn[i] || a.Capture != wantCapture[i] {
			t.Errorf("pledge %d: burn=%d capture=%d, want burn=%d capture=%d", i, a.Burn, a.Capture, wantBurn[i], wantCapture[i])
		}
		if a.Burn+a.Capture != a.Pledged {
			t.Errorf("pledge %d violates burn+capture == pledged", i)
		}
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestAllocate_SkipsSettledAndKeepsSurplus(t *testing.T) {
	pledges := []storage.Pledge{
		{IntentID: "old", Amount: 50, Settlement: &storage.Settlement{Burn: 50}},
		{IntentID: "new", Amount: 10},
	}
	allocs, remaining := Allocate(pledges, 40)
	if len(allocs) != 1 || allocs[0].IntentID != "new" || allocs[0].Burn != 10 {
		t.Fatalf("allocs = %+v", allocs)
	}
	if remaining != 30 {
		t.Errorf("remaining = %d, want 30", remaining)
	}
}

func TestCaptureAndBurnFor_FIFOAgainstSpentBalance(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil, nil)

	for i, amt := range []money.Amount{10, 20, 20, 20} {
		mustMint(t, l, "alice", "p"+string(rune('0'+i)), amt)
	}
	if _, err := l.Register(ctx, "market"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := l.Transfer(ctx, "alice", "market", 45); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	out, err := l.CaptureAndBurnFor(ctx, owner, "alice")
	if err != nil {
		t.Fatalf("CaptureAndBurnFor: %v", err)
	}
	want := []pair{{"p0", 0}, {"p1", 5}, {"p2", 20}, {"p3", 20}}
	if !reflect.DeepEqual(pairs(out), want) {
		t.Errorf("instructions = %v, want %v", pairs(out), want)
	}

	pledges, _ := l.Pledges(ctx, "alice")
	wantBurn := []money.Amount{10, 15, 0, 0}
	for i, p := range pledges {
		if p.Settlement == nil {
			t.Fatalf("pledge %d not settled", i)
		}
		if p.Settlement.Burn != wantBurn[i] || p.Settlement.Burn+p.Settlement.Capture != p.Amount {
			t.Errorf("pledge %d settlement = %+v", i, p.Settlement)
		}
		if !p.Settlement.SettledAt.Equal(fixedNow) {
			t.Errorf("SettledAt = %v", p.Settlement.SettledAt)
		}
	}

	if bal, _ := l.BalanceOf(ctx, "alice"); bal != 0 {
		t.Errorf("alice balance = %d, want 0", bal)
	}
	if supply, _ := l.TotalSupply(ctx); supply != 45 {
		t.Errorf("supply = %d, want 45 (70 minted - 25 burned)", supply)
	}
}

func TestEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil, nil)

	mustMint(t, l, "x", "x0", 10)
	mustMint(t, l, "y", "y1", 10)
	mustMint(t, l, "y", "y2", 20)
	mustMint(t, l, "y", "y3", 20)
	mustMint(t, l, "y", "y4", 20)
	mustMint(t, l, "z", "z5", 50)

	if err := l.Transfer(ctx, "y", "x", 45); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	for acct, want := range map[string]money.Amount{"x": 55, "y": 25, "z": 50} {
		if got, _ := l.BalanceOf(ctx, acct); got != want {
			t.Fatalf("balance %s = %d, want %d", acct, got, want)
		}
	}

	out, err := l.CaptureAndBurnFor(ctx, owner, "z")
	if err != nil {
		t.Fatalf("CaptureAndBurnFor(z): %v", err)
	}
	if want := []pair{{"z5", 0}}; !reflect.DeepEqual(pairs(out), want) {
		t.Errorf("z instructions = %v, want %v", pairs(out), want)
	}

	if err := l.StartBurn(ctx, owner); err != nil {
		t.Fatalf("StartBurn: %v", err)
	}
	out, err = l.CaptureAndBurnAll(ctx, owner, 0)
	if err != nil {
		t.Fatalf("CaptureAndBurnAll: %v", err)
	}
	want := []pair{{"x0", 0}, {"y1", 0}, {"y2", 5}, {"y3", 20}, {"y4", 20}}
	if !reflect.DeepEqual(pairs(out), want) {
		t.Errorf("batch instructions = %v, want %v", pairs(out), want)
	}
	if err := l.CompleteBurn(ctx, owner); err != nil {
		t.Fatalf("CompleteBurn: %v", err)
	}

	// 130 minted; burned z 50 + x 10 + y 25.
	if supply, _ := l.TotalSupply(ctx); supply != 45 {
		t.Errorf("supply = %d, want 45", supply)
	}
	if bal, _ := l.BalanceOf(ctx, "x"); bal != 45 {
		t.Errorf("x keeps unbacked surplus: balance = %d, want 45", bal)
	}
	if pending, _ := l.PendingAccounts(ctx, 0); len(pending) != 0 {
		t.Errorf("pending after drain = %v", pending)
	}
}

func TestCaptureAndBurnFor_NoOpWhenSettled(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil, nil)
	mustMint(t, l, "a", "i1", 30)

	if _, err := l.CaptureAndBurnFor(ctx, owner, "a"); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	before := takeSnapshot(t, l, "a")

	out, err := l.CaptureAndBurnFor(ctx, owner, "a")
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if out == nil || len(out) != 0 {
		t.Errorf("expected empty non-nil list, got %#v", out)
	}
	if after := takeSnapshot(t, l, "a"); !reflect.DeepEqual(before, after) {
		t.Errorf("no-op settle mutated state:\nbefore %+v\nafter  %+v", before, after)
	}

	// Unknown account is also a no-op.
	if out, err := l.CaptureAndBurnFor(ctx, owner, "nobody"); err != nil || len(out) != 0 {
		t.Errorf("unknown account settle = %v, %v", out, err)
	}
}

func TestSettlementTerminality(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil, nil)
	mustMint(t, l, "a", "i1", 40)
	if _, err := l.CaptureAndBurnFor(ctx, owner, "a"); err != nil {
		t.Fatal(err)
	}
	settled, _ := l.Pledges(ctx, "a")

	mustMint(t, l, "a", "i2", 15)
	if _, err := l.CaptureAndBurnFor(ctx, owner, "a"); err != nil {
		t.Fatal(err)
	}
	after, _ := l.Pledges(ctx, "a")

	if len(after) != 2 {
		t.Fatalf("pledges = %d, want 2", len(after))
	}
	if !reflect.DeepEqual(after[0], settled[0]) {
		t.Errorf("settled pledge changed: %+v -> %+v", settled[0], after[0])
	}
	if after[1].Settlement == nil || after[1].Settlement.Burn != 15 {
		t.Errorf("new pledge settlement = %+v", after[1].Settlement)
	}
}

func TestUnauthorizedCallsChangeNothing(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil, nil)
	mustMint(t, l, "a", "i1", 10)
	before := takeSnapshot(t, l, "a", "b")

	const mallory = "mallory"
	calls := map[string]func() error{
		"mint": func() error {
			_, err := l.Mint(ctx, mallory, "b", "i9", 10)
			return err
		},
		"start_burn":    func() error { return l.StartBurn(ctx, mallory) },
		"complete_burn": func() error { return l.CompleteBurn(ctx, mallory) },
		"settle_account": func() error {
			_, err := l.CaptureAndBurnFor(ctx, mallory, "a")
			return err
		},
		"settle_batch": func() error {
			_, err := l.CaptureAndBurnAll(ctx, mallory, 0)
			return err
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("err = %v, want ErrUnauthorized", err)
			}
			if Kind(err) != KindUnauthorized {
				t.Errorf("Kind = %s", Kind(err))
			}
		})
	}

	if after := takeSnapshot(t, l, "a", "b"); !reflect.DeepEqual(before, after) {
		t.Errorf("unauthorized calls mutated state:\nbefore %+v\nafter  %+v", before, after)
	}
}

func seedBacklog(t *testing.T, l *Ledger) []string {
	t.Helper()
	ctx := context.Background()
	accounts := []string{"d", "a", "c", "e", "b"}
	for i, a := range accounts {
		for j := 0; j <= i; j++ {
			mustMint(t, l, a, a+string(rune('0'+j)), money.Amount(10*(j+1)))
		}
	}
	// Spend some balance so captures are non-trivial.
	if err := l.Transfer(ctx, "e", "a", 35); err != nil {
		t.Fatal(err)
	}
	if err := l.Transfer(ctx, "b", "c", 12); err != nil {
		t.Fatal(err)
	}
	if err := l.StartBurn(ctx, owner); err != nil {
		t.Fatal(err)
	}
	return accounts
}

func TestPaginationDrainsBacklog(t *testing.T) {
	ctx := context.Background()

	paged := newTestLedger(t, nil, nil)
	accounts := seedBacklog(t, paged)
	var pagedOut []CaptureInstruction
	for calls := 0; ; calls++ {
		if calls > 20 {
			t.Fatal("pagination did not terminate")
		}
		out, err := paged.CaptureAndBurnAll(ctx, owner, 1)
		if err != nil {
			t.Fatalf("CaptureAndBurnAll(1): %v", err)
		}
		if len(out) == 0 {
			break
		}
		accountsInCall := map[string]bool{}
		for _, in := range out {
			accountsInCall[in.AccountID] = true
		}
		if len(accountsInCall) != 1 {
			t.Errorf("limit 1 settled %d accounts", len(accountsInCall))
		}
		pagedOut = append(pagedOut, out...)
	}

	single := newTestLedger(t, nil, nil)
	seedBacklog(t, single)
	singleOut, err := single.CaptureAndBurnAll(ctx, owner, 100)
	if err != nil {
		t.Fatalf("CaptureAndBurnAll(100): %v", err)
	}

	if !reflect.DeepEqual(pagedOut, singleOut) {
		t.Errorf("paged output differs:\npaged  %v\nsingle %v", pairs(pagedOut), pairs(singleOut))
	}
	if a, b := takeSnapshot(t, paged, accounts...), takeSnapshot(t, single, accounts...); !reflect.DeepEqual(a, b) {
		t.Errorf("final state differs:\npaged  %+v\nsingle %+v", a, b)
	}
	if pagedOut[0].AccountID != "a" {
		t.Errorf("batch does not start at the lowest account id: %s", pagedOut[0].AccountID)
	}
}

func TestPendingAccounts_Preview(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil, nil)
	seedBacklog(t, l)

	got, err := l.PendingAccounts(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("PendingAccounts(2) = %v", got)
	}

	allocs, err := l.Preview(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	// b minted 10+20+30+40+50 and sent 12 away: only the newest pledge is short.
	if len(allocs) != 5 || allocs[0].Burn != 10 || allocs[4].Burn != 38 || allocs[4].Capture != 12 {
		t.Errorf("Preview(b) = %+v", allocs)
	}
	if pledges, _ := l.Pledges(ctx, "b"); pledges[0].IsSettled() {
		t.Error("Preview must not settle")
	}
}

func TestConservation_RandomOperations(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil, func(p *Policy) { p.LockTransfersDuringBurn = false })
	rng := rand.New(rand.NewSource(42))
	accounts := []string{"a", "b", "c", "d"}

	var minted, burned money.Amount
	for i := 0; i < 300; i++ {
		switch rng.Intn(4) {
		case 0, 1:
			acct := accounts[rng.Intn(len(accounts))]
			amt := money.Amount(rng.Intn(100) + 1)
			res, err := l.Mint(ctx, owner, acct, acct+"-"+string(rune('A'+i%26))+string(rune('a'+i/26)), amt)
			if err != nil {
				t.Fatalf("Mint: %v", err)
			}
			minted += res.Deposited
		case 2:
			from, to := accounts[rng.Intn(len(accounts))], accounts[rng.Intn(len(accounts))]
			_ = l.Transfer(ctx, from, to, money.Amount(rng.Intn(60)+1))
		case 3:
			acct := accounts[rng.Intn(len(accounts))]
			out, err := l.CaptureAndBurnFor(ctx, owner, acct)
			if err != nil {
				t.Fatalf("settle: %v", err)
			}
			for _, in := range out {
				burned += in.Burned
			}
		}

		snap := takeSnapshot(t, l, accounts...)
		var sum money.Amount
		for _, b := range snap.Balances {
			sum += b
		}
		if snap.Supply != minted-burned || sum != snap.Supply {
			t.Fatalf("step %d: supply=%d minted-burned=%d sum=%d", i, snap.Supply, minted-burned, sum)
		}
		for _, ps := range snap.Pledges {
			for _, p := range ps {
				if p.Settlement != nil && p.Settlement.Burn+p.Settlement.Capture != p.Amount {
					t.Fatalf("partition law violated: %+v", p)
				}
			}
		}
	}
}

func TestMint_MultiPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("duplicate intent rejected", func(t *testing.T) {
		l := newTestLedger(t, nil, nil)
		mustMint(t, l, "a", "i1", 10)
		before := takeSnapshot(t, l, "a")
		_, err := l.Mint(ctx, owner, "a", "i1", 5)
		if !errors.Is(err, ErrDuplicateIntent) || Kind(err) != KindInvalidState {
			t.Fatalf("err = %v", err)
		}
		if after := takeSnapshot(t, l, "a"); !reflect.DeepEqual(before, after) {
			t.Error("rejected mint changed state")
		}
		// Same intent on another account is fine.
		mustMint(t, l, "b", "i1", 5)
	})

	t.Run("duplicates allowed when uniqueness is off", func(t *testing.T) {
		l := newTestLedger(t, nil, func(p *Policy) { p.UniqueIntents = false })
		mustMint(t, l, "a", "i1", 10)
		res := mustMint(t, l, "a", "i1", 10)
		if res.Pledge.Seq != 1 {
			t.Errorf("Seq = %d, want 1", res.Pledge.Seq)
		}
		if bal, _ := l.BalanceOf(ctx, "a"); bal != 20 {
			t.Errorf("balance = %d", bal)
		}
	})

	t.Run("invalid arguments", func(t *testing.T) {
		l := newTestLedger(t, nil, nil)
		tests := []struct {
			account, intent string
			amount          money.Amount
			want            error
		}{
			{"", "i", 1, ErrInvalidAccount},
			{"a", "", 1, ErrInvalidIntent},
			{"a", "i", 0, ErrInvalidAmount},
			{"a", "i", money.MaxAmount + 1, ErrInvalidAmount},
		}
		for _, tt := range tests {
			if _, err := l.Mint(ctx, owner, tt.account, tt.intent, tt.amount); !errors.Is(err, tt.want) {
				t.Errorf("Mint(%q,%q,%d) = %v, want %v", tt.account, tt.intent, tt.amount, err, tt.want)
			}
		}
	})

	t.Run("auto registers account", func(t *testing.T) {
		l := newTestLedger(t, nil, nil)
		if ok, _ := l.IsRegistered(ctx, "fresh"); ok {
			t.Fatal("unexpected registration")
		}
		mustMint(t, l, "fresh", "i1", 1)
		if ok, _ := l.IsRegistered(ctx, "fresh"); !ok {
			t.Error("mint did not register account")
		}
	})
}

func TestMint_TopUpPolicy(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil, func(p *Policy) { p.MintPolicy = config.MintPolicyTopUp })

	res := mustMint(t, l, "a", "i1", 10)
	if res.ToppedUp || res.Deposited != 10 {
		t.Errorf("first mint = %+v", res)
	}

	res = mustMint(t, l, "a", "i1", 25)
	if !res.ToppedUp || res.Deposited != 15 || res.Pledge.Amount != 25 {
		t.Errorf("top-up = %+v", res)
	}
	if bal, _ := l.BalanceOf(ctx, "a"); bal != 25 {
		t.Errorf("balance = %d, want 25", bal)
	}
	if pledges, _ := l.Pledges(ctx, "a"); len(pledges) != 1 {
		t.Errorf("top-up appended a pledge: %d", len(pledges))
	}

	tests := []struct {
		name   string
		intent string
		amount money.Amount
		want   error
	}{
		{"different intent", "i2", 100, ErrIntentMismatch},
		{"same amount", "i1", 25, ErrBalanceDecrease},
		{"smaller amount", "i1", 5, ErrBalanceDecrease},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := takeSnapshot(t, l, "a")
			_, err := l.Mint(ctx, owner, "a", tt.intent, tt.amount)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if after := takeSnapshot(t, l, "a"); !reflect.DeepEqual(before, after) {
				t.Error("rejected top-up changed state")
			}
		})
	}

	if _, err := l.CaptureAndBurnFor(ctx, owner, "a"); err != nil {
		t.Fatal(err)
	}

	// Settled pledges are history: a new intent starts a new pledge...
	res = mustMint(t, l, "a", "i2", 5)
	if res.ToppedUp || res.Pledge.Seq != 1 {
		t.Errorf("post-settlement mint = %+v", res)
	}
	// ...but a settled intent id cannot be reused.
	if _, err := l.CaptureAndBurnFor(ctx, owner, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Mint(ctx, owner, "a", "i1", 50); !errors.Is(err, ErrDuplicateIntent) {
		t.Errorf("reusing settled intent: err = %v", err)
	}
}

func TestMintOnce_IgnoresUniqueIntentsPolicy(t *testing.T) {
	for _, policy := range []string{config.MintPolicyMulti, config.MintPolicyTopUp} {
		t.Run(policy, func(t *testing.T) {
			ctx := context.Background()
			l := newTestLedger(t, nil, func(p *Policy) {
				p.MintPolicy = policy
				p.UniqueIntents = false
			})
			if _, err := l.MintOnce(ctx, owner, "a", "i1", 15); err != nil {
				t.Fatalf("first MintOnce: %v", err)
			}
			if policy == config.MintPolicyTopUp {
				// Retire the live pledge so the repeat reaches the uniqueness check.
				if _, err := l.CaptureAndBurnFor(ctx, owner, "a"); err != nil {
					t.Fatal(err)
				}
			}

			_, err := l.MintOnce(ctx, owner, "a", "i1", 20)
			var dup *DuplicateIntentError
			if !errors.As(err, &dup) || !errors.Is(err, ErrDuplicateIntent) {
				t.Fatalf("repeat MintOnce: err = %v", err)
			}
			if dup.IntentID != "i1" || dup.Pledged != 15 {
				t.Errorf("duplicate = %+v", dup)
			}

			if _, err := l.Mint(ctx, owner, "a", "i1", 20); err != nil {
				t.Errorf("Mint with unique_intents off: %v", err)
			}
		})
	}
}

func TestBurnWindowGate(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil, nil)
	mustMint(t, l, "a", "i1", 10)

	if _, err := l.CaptureAndBurnAll(ctx, owner, 0); !errors.Is(err, ErrWindowNotOpen) {
		t.Fatalf("closed window batch: err = %v", err)
	}
	if err := l.CompleteBurn(ctx, owner); !errors.Is(err, ErrWindowNotOpen) {
		t.Errorf("completing closed window: err = %v", err)
	}
	if err := l.StartBurn(ctx, owner); err != nil {
		t.Fatal(err)
	}
	if err := l.StartBurn(ctx, owner); !errors.Is(err, ErrWindowAlreadyOpen) {
		t.Errorf("double start: err = %v", err)
	}
	if open, _ := l.BurnWindowOpen(ctx); !open {
		t.Error("window should be open")
	}
	if _, err := l.CaptureAndBurnAll(ctx, owner, 0); err != nil {
		t.Errorf("open window batch: %v", err)
	}
	if err := l.CompleteBurn(ctx, owner); err != nil {
		t.Fatal(err)
	}
	if open, _ := l.BurnWindowOpen(ctx); open {
		t.Error("window should be closed")
	}
}

func TestBurnWindowGate_NotEnforced(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil, func(p *Policy) { p.EnforceWindow = false })
	mustMint(t, l, "a", "i1", 10)

	out, err := l.CaptureAndBurnAll(ctx, owner, 0)
	if err != nil {
		t.Fatalf("ungated batch: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("instructions = %v", out)
	}
}

func TestTransferLockDuringBurn(t *testing.T) {
	ctx := context.Background()

	for _, lock := range []bool{true, false} {
		l := newTestLedger(t, nil, func(p *Policy) { p.LockTransfersDuringBurn = lock })
		mustMint(t, l, "a", "i1", 10)
		mustMint(t, l, "b", "i2", 10)
		if err := l.StartBurn(ctx, owner); err != nil {
			t.Fatal(err)
		}

		err := l.Transfer(ctx, "a", "b", 5)
		if lock && !errors.Is(err, ErrWindowOpen) {
			t.Errorf("lock=%v: err = %v, want ErrWindowOpen", lock, err)
		}
		if !lock && err != nil {
			t.Errorf("lock=%v: err = %v", lock, err)
		}

		if err := l.CompleteBurn(ctx, owner); err != nil {
			t.Fatal(err)
		}
		if err := l.Transfer(ctx, "a", "b", 1); err != nil {
			t.Errorf("lock=%v: transfer after close: %v", lock, err)
		}
	}
}

func TestTransfer_Errors(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	policy := defaultPolicy()
	l, err := New(store, token.NewBook(money.DefaultToken, []string{"market"}), policy)
	if err != nil {
		t.Fatal(err)
	}
	mustMint(t, l, "a", "i1", 10)
	if _, err := l.Register(ctx, "market"); err != nil {
		t.Fatal(err)
	}

	if err := l.Transfer(ctx, "a", "market", 11); !errors.Is(err, token.ErrInsufficientBalance) || Kind(err) != KindInsufficientBalance {
		t.Errorf("overspend: err = %v", err)
	}
	if err := l.Transfer(ctx, "a", "b", 1); !errors.Is(err, token.ErrDestinationNotAllowed) || Kind(err) != KindInvalid {
		t.Errorf("disallowed destination: err = %v", err)
	}
	if err := l.Transfer(ctx, "a", "market", 10); err != nil {
		t.Errorf("allowed transfer: %v", err)
	}
}

var errInjected = errors.New("injected failure")

type faultyStore struct {
	storage.Store
	failPledgesFor string
}

func (s faultyStore) Update(ctx context.Context, fn func(storage.Tx) error) error {
	return s.Store.Update(ctx, func(tx storage.Tx) error {
		return fn(faultyTx{Tx: tx, failFor: s.failPledgesFor})
	})
}

type faultyTx struct {
	storage.Tx
	failFor string
}

func (t faultyTx) PutPledges(ctx context.Context, accountID string, pledges []storage.Pledge) error {
	if accountID == t.failFor && len(pledges) > 0 && pledges[0].IsSettled() {
		return errInjected
	}
	return t.Tx.PutPledges(ctx, accountID, pledges)
}

func TestCaptureAndBurnAll_RollsBackWholeCall(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	l := newTestLedger(t, faultyStore{Store: mem, failPledgesFor: "b"}, nil)

	mustMint(t, l, "a", "a0", 10)
	mustMint(t, l, "b", "b0", 20)
	mustMint(t, l, "c", "c0", 30)
	if err := l.StartBurn(ctx, owner); err != nil {
		t.Fatal(err)
	}
	before := takeSnapshot(t, l, "a", "b", "c")

	_, err := l.CaptureAndBurnAll(ctx, owner, 0)
	if !errors.Is(err, errInjected) {
		t.Fatalf("err = %v, want injected failure", err)
	}
	if Kind(err) != KindInternal {
		t.Errorf("Kind = %s", Kind(err))
	}
	if after := takeSnapshot(t, l, "a", "b", "c"); !reflect.DeepEqual(before, after) {
		t.Errorf("failed batch left partial state:\nbefore %+v\nafter  %+v", before, after)
	}
}

type recordingNotifier struct {
	mu          sync.Mutex
	mints       []callbacks.MintEvent
	settlements []callbacks.SettlementEvent
}

func (r *recordingNotifier) MintRecorded(_ context.Context, e callbacks.MintEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mints = append(r.mints, e)
}

func (r *recordingNotifier) SettlementCompleted(_ context.Context, e callbacks.SettlementEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settlements = append(r.settlements, e)
}

func TestNotifierAndMetrics(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	m := metrics.New(prometheus.NewRegistry())
	l := newTestLedger(t, nil, nil, WithNotifier(n), WithMetrics(m), WithBackendLabel("memory"))

	mustMint(t, l, "a", "i1", 30)
	if _, err := l.Mint(ctx, owner, "a", "i1", 30); err == nil {
		t.Fatal("expected duplicate")
	}
	if err := l.Transfer(ctx, "a", "b", 1); err == nil {
		t.Fatal("expected unregistered destination error")
	}
	mustMint(t, l, "b", "i2", 5)
	if err := l.Transfer(ctx, "a", "b", 20); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CaptureAndBurnFor(ctx, owner, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CaptureAndBurnFor(ctx, owner, "a"); err != nil {
		t.Fatal(err)
	}

	if len(n.mints) != 2 || n.mints[0].IntentID != "i1" || n.mints[0].Deposited != 30 {
		t.Errorf("mint events = %+v", n.mints)
	}
	if len(n.settlements) != 1 {
		t.Fatalf("settlement events = %d, want 1 (empty settlements are not relayed)", len(n.settlements))
	}
	ev := n.settlements[0]
	if ev.Mode != "account" || len(ev.Instructions) != 1 || ev.Instructions[0].Capture != 20 || ev.Instructions[0].Burned != 10 {
		t.Errorf("settlement event = %+v", ev)
	}

	if got := promtest.ToFloat64(m.MintsTotal.WithLabelValues("multi", "minted")); got != 2 {
		t.Errorf("minted = %v", got)
	}
	if got := promtest.ToFloat64(m.MintsTotal.WithLabelValues("multi", "rejected")); got != 1 {
		t.Errorf("rejected = %v", got)
	}
	if got := promtest.ToFloat64(m.LedgerErrorsTotal.WithLabelValues("transfer", string(KindInvalidState))); got != 1 {
		t.Errorf("transfer errors = %v", got)
	}
	if got := promtest.ToFloat64(m.CapturedAmountTotal); got != 20 {
		t.Errorf("captured = %v", got)
	}
	if got := promtest.ToFloat64(m.SettlementsTotal.WithLabelValues("account")); got != 2 {
		t.Errorf("settlements = %v", got)
	}
}

func TestFileStorePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")

	store, err := storage.NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	l := newTestLedger(t, store, nil)
	mustMint(t, l, "a", "i1", 10)
	mustMint(t, l, "a", "i2", 20)
	if err := l.StartBurn(ctx, owner); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := storage.NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	l2 := newTestLedger(t, reopened, nil)

	if open, _ := l2.BurnWindowOpen(ctx); !open {
		t.Error("window state lost")
	}
	if bal, _ := l2.BalanceOf(ctx, "a"); bal != 30 {
		t.Errorf("balance = %d", bal)
	}
	out, err := l2.CaptureAndBurnAll(ctx, owner, 0)
	if err != nil {
		t.Fatal(err)
	}
	if want := []pair{{"i1", 0}, {"i2", 0}}; !reflect.DeepEqual(pairs(out), want) {
		t.Errorf("instructions = %v", pairs(out))
	}
	if _, err := l2.Mint(ctx, owner, "a", "i1", 10); !errors.Is(err, ErrDuplicateIntent) {
		t.Errorf("intent history lost: err = %v", err)
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{ErrUnauthorized, KindUnauthorized},
		{ErrWindowNotOpen, KindInvalidState},
		{ErrDuplicateIntent, KindInvalidState},
		{token.ErrNotRegistered, KindInvalidState},
		{token.ErrInsufficientBalance, KindInsufficientBalance},
		{ErrInvalidAmount, KindInvalid},
		{token.ErrSelfTransfer, KindInvalid},
		{errors.New("disk full"), KindInternal},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
