package services

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenlottery/internal/clock"
	"tokenlottery/internal/models"
	"tokenlottery/internal/oracle"
	"tokenlottery/internal/store"
)

const authority = "authority"

type fixture struct {
	service *LotteryService
	clock   *clock.Fake
	oracle  *oracle.Manual
	store   *store.Store
}

func newFixture(t *testing.T, slot uint64) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	clk := clock.NewFake(slot)
	orc := oracle.NewManual(clk)
	return &fixture{
		service: NewLotteryService(st, clk, orc),
		clock:   clk,
		oracle:  orc,
		store:   st,
	}
}

// setup initializes the config and creates one lottery.
func (f *fixture) setup(t *testing.T, p ConfigParams) string {
	t.Helper()
	_, err := f.service.InitializeConfig(authority, p)
	require.NoError(t, err)
	lot, err := f.service.CreateLottery(authority)
	require.NoError(t, err)
	return lot.ID
}

func (f *fixture) fund(t *testing.T, account string, amount uint64) {
	t.Helper()
	_, err := f.service.Credit(account, amount)
	require.NoError(t, err)
}

func TestLotteryService_EndToEnd(t *testing.T) {
	f := newFixture(t, 0)
	id := f.setup(t, ConfigParams{SaleStart: 0, SaleEnd: 11, TicketPrice: 10000})

	lot, err := f.service.Lottery(id)
	require.NoError(t, err)
	require.Equal(t, models.PhaseSaleOpen, lot.Phase)
	require.Equal(t, models.Uncommitted{}, lot.Randomness)

	buyers := []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6"}
	for i, b := range buyers {
		f.fund(t, b, 10000)
		f.clock.Set(uint64(i))
		tk, err := f.service.BuyTicket(id, b, 10000)
		require.NoError(t, err)
		require.Equal(t, uint64(i), tk.TicketID)
		require.Equal(t, fmt.Sprintf("Token Lottery Ticket #%d", i), tk.Name())
	}

	lot, err = f.service.Lottery(id)
	require.NoError(t, err)
	require.Equal(t, uint64(7), lot.TotalTickets)
	require.Equal(t, uint64(70000), lot.PotBalance)
	vault, err := f.service.Balance(lot.Vault)
	require.NoError(t, err)
	require.Equal(t, uint64(70000), vault)

	f.clock.Set(12)
	c, err := f.service.CommitRandomness(id, authority)
	require.NoError(t, err)
	require.Equal(t, uint64(12), c.CommitSlot)
	require.Equal(t, uint64(12+DefaultRevealWindow), c.RevealDeadline)

	_, err = f.service.ChooseWinner(id)
	require.ErrorIs(t, err, ErrRandomnessNotResolved)
	var lerr *Error
	require.True(t, errors.As(err, &lerr))
	require.True(t, lerr.Retryable())

	require.NoError(t, f.oracle.Reveal(c.Ref, 23))
	lot, err = f.service.ChooseWinner(id)
	require.NoError(t, err)
	require.Equal(t, models.PhaseWinnerChosen, lot.Phase)
	require.NotNil(t, lot.WinnerID)
	require.Equal(t, uint64(2), *lot.WinnerID)
	require.Equal(t, models.Revealed{Committed: *c, Value: 23}, lot.Randomness)

	_, err = f.service.ClaimPrize(id, "p3")
	require.ErrorIs(t, err, ErrNotWinner)

	paid, err := f.service.ClaimPrize(id, "p2")
	require.NoError(t, err)
	require.Equal(t, uint64(70000), paid)
	balance, err := f.service.Balance("p2")
	require.NoError(t, err)
	require.Equal(t, uint64(70000), balance)

	for _, caller := range []string{"p2", "p3", authority} {
		_, err = f.service.ClaimPrize(id, caller)
		require.ErrorIs(t, err, ErrAlreadyClaimed)
	}

	lot, err = f.service.Lottery(id)
	require.NoError(t, err)
	require.Equal(t, models.PhaseClaimed, lot.Phase)
	require.True(t, lot.Claimed)
	require.Zero(t, lot.PotBalance)
	vault, err = f.service.Balance(lot.Vault)
	require.NoError(t, err)
	require.Zero(t, vault)
}

func TestLotteryService_InitializeConfig(t *testing.T) {
	f := newFixture(t, 0)

	t.Run("rejects an empty window", func(t *testing.T) {
		_, err := f.service.InitializeConfig(authority, ConfigParams{SaleStart: 5, SaleEnd: 5, TicketPrice: 1})
		require.ErrorIs(t, err, ErrInvalidWindow)
	})

	t.Run("rejects a zero price", func(t *testing.T) {
		_, err := f.service.InitializeConfig(authority, ConfigParams{SaleStart: 0, SaleEnd: 5})
		require.ErrorIs(t, err, ErrInvalidPrice)
	})

	t.Run("config missing", func(t *testing.T) {
		_, err := f.service.Config()
		require.ErrorIs(t, err, ErrConfigMissing)
		_, err = f.service.CreateLottery(authority)
		require.ErrorIs(t, err, ErrConfigMissing)
	})

	t.Run("initializes once", func(t *testing.T) {
		cfg, err := f.service.InitializeConfig(authority, ConfigParams{SaleStart: 2, SaleEnd: 9, TicketPrice: 3, RevealWindow: 4})
		require.NoError(t, err)
		require.Equal(t, &models.Config{Authority: authority, TicketPrice: 3, SaleStart: 2, SaleEnd: 9, RevealWindow: 4}, cfg)

		_, err = f.service.InitializeConfig("someone", ConfigParams{SaleStart: 0, SaleEnd: 1, TicketPrice: 1})
		require.ErrorIs(t, err, ErrAlreadyInitialized)

		got, err := f.service.Config()
		require.NoError(t, err)
		require.Equal(t, cfg, got)
	})

	t.Run("only the authority creates lotteries", func(t *testing.T) {
		_, err := f.service.CreateLottery("someone")
		require.ErrorIs(t, err, ErrNotAuthorized)
		lot, err := f.service.CreateLottery(authority)
		require.NoError(t, err)
		require.Equal(t, models.PhaseCreated, lot.Phase)
		require.Equal(t, VaultAccount(lot.ID), lot.Vault)
	})
}

func TestLotteryService_BuyTicketWindow(t *testing.T) {
	f := newFixture(t, 0)
	id := f.setup(t, ConfigParams{SaleStart: 5, SaleEnd: 10, TicketPrice: 2})
	f.fund(t, "buyer", 1000)

	var next uint64
	for slot := uint64(0); slot < 15; slot++ {
		f.clock.Set(slot)
		tk, err := f.service.BuyTicket(id, "buyer", 2)
		if slot >= 5 && slot < 10 {
			require.NoError(t, err, "slot %d", slot)
			require.Equal(t, next, tk.TicketID)
			require.Equal(t, slot, tk.PurchaseSlot)
			next++
		} else {
			require.ErrorIs(t, err, ErrSaleClosed, "slot %d", slot)
		}
	}

	lot, err := f.service.Lottery(id)
	require.NoError(t, err)
	require.Equal(t, uint64(5), lot.TotalTickets)
	require.Equal(t, uint64(10), lot.PotBalance)
	require.Equal(t, models.PhaseSaleClosed, lot.Phase)
}

func TestLotteryService_BuyTicketFunds(t *testing.T) {
	f := newFixture(t, 0)
	id := f.setup(t, ConfigParams{SaleStart: 0, SaleEnd: 10, TicketPrice: 100})

	t.Run("short payment", func(t *testing.T) {
		f.fund(t, "alice", 1000)
		_, err := f.service.BuyTicket(id, "alice", 99)
		require.ErrorIs(t, err, ErrInsufficientFunds)
	})

	t.Run("short balance leaves no trace", func(t *testing.T) {
		f.fund(t, "bob", 50)
		_, err := f.service.BuyTicket(id, "bob", 100)
		require.ErrorIs(t, err, ErrInsufficientFunds)

		bal, err := f.service.Balance("bob")
		require.NoError(t, err)
		require.Equal(t, uint64(50), bal)
		lot, err := f.service.Lottery(id)
		require.NoError(t, err)
		require.Zero(t, lot.TotalTickets)
		require.Zero(t, lot.PotBalance)
		tickets, err := f.service.Tickets(id)
		require.NoError(t, err)
		require.Empty(t, tickets)
	})

	t.Run("overpayment charges the price", func(t *testing.T) {
		_, err := f.service.BuyTicket(id, "alice", 500)
		require.NoError(t, err)
		bal, err := f.service.Balance("alice")
		require.NoError(t, err)
		require.Equal(t, uint64(900), bal)
	})

	t.Run("unknown lottery", func(t *testing.T) {
		_, err := f.service.BuyTicket("missing", "alice", 100)
		require.ErrorIs(t, err, ErrLotteryNotFound)
	})
}

func TestLotteryService_ConcurrentPurchases(t *testing.T) {
	const n = 64
	f := newFixture(t, 1)
	id := f.setup(t, ConfigParams{SaleStart: 0, SaleEnd: 100, TicketPrice: 5})
	for i := 0; i < n; i++ {
		f.fund(t, fmt.Sprintf("buyer-%d", i), 5)
	}

	var wg sync.WaitGroup
	ids := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, err := f.service.BuyTicket(id, fmt.Sprintf("buyer-%d", i), 5)
			if assert.NoError(t, err) {
				ids <- tk.TicketID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	var got []uint64
	for tid := range ids {
		got = append(got, tid)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Len(t, got, n)
	for i, tid := range got {
		require.Equal(t, uint64(i), tid)
	}

	lot, err := f.service.Lottery(id)
	require.NoError(t, err)
	require.Equal(t, uint64(n), lot.TotalTickets)
	require.Equal(t, uint64(n*5), lot.PotBalance)

	tickets, err := f.service.Tickets(id)
	require.NoError(t, err)
	owners := make(map[string]bool)
	for i, tk := range tickets {
		require.Equal(t, uint64(i), tk.TicketID)
		owners[tk.Owner] = true
	}
	require.Len(t, owners, n)
}

func TestLotteryService_CommitRandomness(t *testing.T) {
	f := newFixture(t, 0)
	id := f.setup(t, ConfigParams{SaleStart: 0, SaleEnd: 11, TicketPrice: 1, RevealWindow: 5})
	f.fund(t, "p", 10)
	_, err := f.service.BuyTicket(id, "p", 1)
	require.NoError(t, err)

	t.Run("too early while the sale is open", func(t *testing.T) {
		f.clock.Set(10)
		_, err := f.service.CommitRandomness(id, authority)
		require.ErrorIs(t, err, ErrTooEarly)
	})

	t.Run("commit at the sale end is stale", func(t *testing.T) {
		f.clock.Set(11)
		_, err := f.service.CommitRandomness(id, authority)
		require.ErrorIs(t, err, ErrStaleCommit)
		lot, err := f.service.Lottery(id)
		require.NoError(t, err)
		require.Equal(t, models.PhaseSaleClosed, lot.Phase)
	})

	t.Run("authority only", func(t *testing.T) {
		f.clock.Set(12)
		_, err := f.service.CommitRandomness(id, "p")
		require.ErrorIs(t, err, ErrNotAuthorized)
	})

	var first *models.Committed
	t.Run("commits once", func(t *testing.T) {
		f.clock.Set(12)
		first, err = f.service.CommitRandomness(id, authority)
		require.NoError(t, err)
		require.Equal(t, uint64(17), first.RevealDeadline)

		f.clock.Set(17)
		_, err = f.service.CommitRandomness(id, authority)
		require.ErrorIs(t, err, ErrAlreadyCommitted)
	})

	t.Run("expired commitment is replaced", func(t *testing.T) {
		f.clock.Set(18)
		_, err := f.service.ChooseWinner(id)
		require.ErrorIs(t, err, ErrRevealExpired)

		second, err := f.service.CommitRandomness(id, authority)
		require.NoError(t, err)
		require.NotEqual(t, first.Ref, second.Ref)
		require.Equal(t, uint64(18), second.CommitSlot)

		// A late reveal of the old commitment has no effect.
		require.NoError(t, f.oracle.Reveal(first.Ref, 99))
		_, err = f.service.ChooseWinner(id)
		require.ErrorIs(t, err, ErrRandomnessNotResolved)

		require.NoError(t, f.oracle.Reveal(second.Ref, 4))
		lot, err := f.service.ChooseWinner(id)
		require.NoError(t, err)
		require.Equal(t, uint64(0), *lot.WinnerID)
	})

	t.Run("no commits after the winner is chosen", func(t *testing.T) {
		f.clock.Set(100)
		_, err := f.service.CommitRandomness(id, authority)
		require.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestLotteryService_StaleOracle(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer st.Close()

	// The oracle reports slots from its own, lagging, view of the ledger.
	ledger := clock.NewFake(0)
	lagging := clock.NewFake(0)
	svc := NewLotteryService(st, ledger, oracle.NewManual(lagging))
	_, err = svc.InitializeConfig(authority, ConfigParams{SaleStart: 0, SaleEnd: 11, TicketPrice: 1})
	require.NoError(t, err)
	lot, err := svc.CreateLottery(authority)
	require.NoError(t, err)

	ledger.Set(20)
	for _, slot := range []uint64{3, 10, 11} {
		lagging.Set(slot)
		_, err := svc.CommitRandomness(lot.ID, authority)
		require.ErrorIs(t, err, ErrStaleCommit, "oracle slot %d", slot)
	}
	lagging.Set(12)
	_, err = svc.CommitRandomness(lot.ID, authority)
	require.NoError(t, err)
}

func TestLotteryService_ChooseWinner(t *testing.T) {
	t.Run("no participants", func(t *testing.T) {
		f := newFixture(t, 0)
		id := f.setup(t, ConfigParams{SaleStart: 0, SaleEnd: 11, TicketPrice: 1})
		f.clock.Set(12)
		c, err := f.service.CommitRandomness(id, authority)
		require.NoError(t, err)
		require.NoError(t, f.oracle.Reveal(c.Ref, 23))
		_, err = f.service.ChooseWinner(id)
		require.ErrorIs(t, err, ErrNoParticipants)
	})

	t.Run("state checks", func(t *testing.T) {
		f := newFixture(t, 0)
		id := f.setup(t, ConfigParams{SaleStart: 0, SaleEnd: 11, TicketPrice: 1})
		f.fund(t, "p", 1)
		_, err := f.service.BuyTicket(id, "p", 1)
		require.NoError(t, err)

		f.clock.Set(12)
		_, err = f.service.ChooseWinner(id)
		require.ErrorIs(t, err, ErrInvalidState)

		_, err = f.service.ClaimPrize(id, "p")
		require.ErrorIs(t, err, ErrInvalidState)

		c, err := f.service.CommitRandomness(id, authority)
		require.NoError(t, err)
		require.NoError(t, f.oracle.Reveal(c.Ref, 5))

		lot, err := f.service.ChooseWinner(id)
		require.NoError(t, err)
		require.Zero(t, *lot.WinnerID)
		_, err = f.service.ChooseWinner(id)
		require.ErrorIs(t, err, ErrAlreadyChosen)
	})

	t.Run("same value and count give the same winner", func(t *testing.T) {
		winners := make([]uint64, 0, 2)
		for run := 0; run < 2; run++ {
			f := newFixture(t, 0)
			id := f.setup(t, ConfigParams{SaleStart: 0, SaleEnd: 11, TicketPrice: 1})
			for i := 0; i < 9; i++ {
				f.fund(t, "p", 1)
				_, err := f.service.BuyTicket(id, "p", 1)
				require.NoError(t, err)
			}
			f.clock.Set(12)
			c, err := f.service.CommitRandomness(id, authority)
			require.NoError(t, err)
			require.NoError(t, f.oracle.Reveal(c.Ref, 1234567))
			lot, err := f.service.ChooseWinner(id)
			require.NoError(t, err)
			winners = append(winners, *lot.WinnerID)
		}
		require.Equal(t, uint64(1234567%9), winners[0])
		require.Equal(t, winners[0], winners[1])
	})
}

func TestLotteryService_BeaconOracle(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer st.Close()

	clk := clock.NewFake(0)
	beacon := oracle.NewBeacon(clk, 2)
	svc := NewLotteryService(st, clk, beacon)
	_, err = svc.InitializeConfig(authority, ConfigParams{SaleStart: 0, SaleEnd: 5, TicketPrice: 1})
	require.NoError(t, err)
	lot, err := svc.CreateLottery(authority)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.Credit("p", 1)
		require.NoError(t, err)
		_, err = svc.BuyTicket(lot.ID, "p", 1)
		require.NoError(t, err)
	}

	clk.Set(6)
	c, err := svc.CommitRandomness(lot.ID, authority)
	require.NoError(t, err)
	_, err = svc.ChooseWinner(lot.ID)
	require.ErrorIs(t, err, ErrRandomnessNotResolved)

	clk.Set(8)
	lot, err = svc.ChooseWinner(lot.ID)
	require.NoError(t, err)

	reveal, ok, err := beacon.Reveal(c.Ref)
	require.NoError(t, err)
	require.True(t, ok)
	value, err := oracle.VerifyReveal(reveal)
	require.NoError(t, err)
	require.Equal(t, value%3, *lot.WinnerID)
}

func TestLotteryService_ArchiveClaimed(t *testing.T) {
	f := newFixture(t, 0)
	id := f.setup(t, ConfigParams{SaleStart: 0, SaleEnd: 2, TicketPrice: 1})
	open, err := f.service.CreateLottery(authority)
	require.NoError(t, err)
	f.fund(t, "p", 1)
	_, err = f.service.BuyTicket(id, "p", 1)
	require.NoError(t, err)

	f.clock.Set(3)
	c, err := f.service.CommitRandomness(id, authority)
	require.NoError(t, err)
	require.NoError(t, f.oracle.Reveal(c.Ref, 0))
	_, err = f.service.ChooseWinner(id)
	require.NoError(t, err)
	_, err = f.service.ClaimPrize(id, "p")
	require.NoError(t, err)

	n, err := f.service.ArchiveClaimed(10)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Set(20)
	n, err = f.service.ArchiveClaimed(10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	lots, err := f.service.Lotteries()
	require.NoError(t, err)
	require.Len(t, lots, 1)
	require.Equal(t, open.ID, lots[0].ID)

	lot, err := f.service.Lottery(id)
	require.NoError(t, err)
	require.True(t, lot.Archived)
	require.Equal(t, models.PhaseClaimed, lot.Phase)

	_, err = f.service.ClaimPrize(id, "p")
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	tk, err := f.service.Ticket(id, 0)
	require.NoError(t, err)
	require.Equal(t, "p", tk.Owner)
}

func TestLotteryService_BuyTicketOverflow(t *testing.T) {
	f := newFixture(t, 0)
	price := uint64(math.MaxUint64/2 + 1)
	id := f.setup(t, ConfigParams{SaleStart: 0, SaleEnd: 10, TicketPrice: price})
	f.fund(t, "alice", price)
	f.fund(t, "bob", price)

	_, err := f.service.BuyTicket(id, "alice", price)
	require.NoError(t, err)

	_, err = f.service.BuyTicket(id, "bob", price)
	require.ErrorIs(t, err, ErrOverflow)

	lot, err := f.service.Lottery(id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), lot.TotalTickets)
	require.Equal(t, price, lot.PotBalance)
	bal, err := f.service.Balance("bob")
	require.NoError(t, err)
	require.Equal(t, price, bal)
}

func TestLotteryService_AnyoneFinalizes(t *testing.T) {
	f := newFixture(t, 0)
	id := f.setup(t, ConfigParams{SaleStart: 0, SaleEnd: 11, TicketPrice: 1})
	for _, p := range []string{"alice", "bob"} {
		f.fund(t, p, 1)
		_, err := f.service.BuyTicket(id, p, 1)
		require.NoError(t, err)
	}
	f.clock.Set(12)
	c, err := f.service.CommitRandomness(id, authority)
	require.NoError(t, err)
	require.NoError(t, f.oracle.Reveal(c.Ref, 0))

	// The winner is fixed once the value is revealed, before the deadline
	// lets a new commitment replace it.
	lot, err := f.service.ChooseWinner(id)
	require.NoError(t, err)
	require.Zero(t, *lot.WinnerID)

	f.clock.Set(c.RevealDeadline + 1)
	_, err = f.service.CommitRandomness(id, authority)
	require.ErrorIs(t, err, ErrInvalidState)

	paid, err := f.service.ClaimPrize(id, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(2), paid)
}

func TestLotteryService_Authorize(t *testing.T) {
	f := newFixture(t, 0)
	require.ErrorIs(t, f.service.Authorize(authority), ErrConfigMissing)
	f.setup(t, ConfigParams{SaleStart: 0, SaleEnd: 11, TicketPrice: 1})
	require.NoError(t, f.service.Authorize(authority))
	require.ErrorIs(t, f.service.Authorize("mallory"), ErrNotAuthorized)
}
