package services

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/logger"
	"github.com/google/uuid"

	"tokenlottery/internal/clock"
	"tokenlottery/internal/models"
	"tokenlottery/internal/oracle"
	"tokenlottery/internal/store"
)

// DefaultRevealWindow is used when a config leaves RevealWindow at zero.
const DefaultRevealWindow = 150

// ConfigParams are the caller-supplied config values.
type ConfigParams struct {
	SaleStart    uint64 `json:"saleStart"`
	SaleEnd      uint64 `json:"saleEnd"`
	TicketPrice  uint64 `json:"ticketPrice"`
	RevealWindow uint64 `json:"revealWindow"`
}

// LotteryService executes lottery operations. Each mutating call is a single
// store transaction taken while holding the lottery's lock, so a call either
// applies completely or not at all.
type LotteryService struct {
	mu     sync.RWMutex
	locks  map[string]*sync.Mutex // Key: lotteryID
	store  *store.Store
	clock  clock.Clock
	oracle oracle.Oracle
}

// NewLotteryService creates a LotteryService over an opened store.
func NewLotteryService(st *store.Store, clk clock.Clock, orc oracle.Oracle) *LotteryService {
	return &LotteryService{
		locks:  make(map[string]*sync.Mutex),
		store:  st,
		clock:  clk,
		oracle: orc,
	}
}

// Slot returns the current ledger slot.
func (s *LotteryService) Slot() uint64 {
	return s.clock.Slot()
}

// lock acquires the per-lottery mutex and returns its release function.
func (s *LotteryService) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// VaultAccount is the escrow account holding a lottery's pot.
func VaultAccount(lotteryID string) string {
	return "vault/" + lotteryID
}

// InitializeConfig creates the singleton config with caller as authority.
func (s *LotteryService) InitializeConfig(caller string, p ConfigParams) (*models.Config, error) {
	if p.SaleEnd <= p.SaleStart {
		return nil, ErrInvalidWindow
	}
	if p.TicketPrice == 0 {
		return nil, ErrInvalidPrice
	}
	if p.RevealWindow == 0 {
		p.RevealWindow = DefaultRevealWindow
	}
	cfg := &models.Config{
		Authority:    caller,
		TicketPrice:  p.TicketPrice,
		SaleStart:    p.SaleStart,
		SaleEnd:      p.SaleEnd,
		RevealWindow: p.RevealWindow,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.store.Update(func(tx *store.Tx) error {
		_, err := tx.Config()
		switch {
		case err == nil:
			return ErrAlreadyInitialized
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		return tx.PutConfig(cfg)
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("Config initialized by %s: sale [%d, %d), price %d, reveal window %d",
		caller, cfg.SaleStart, cfg.SaleEnd, cfg.TicketPrice, cfg.RevealWindow)
	return cfg, nil
}

// Config returns the singleton config.
func (s *LotteryService) Config() (*models.Config, error) {
	var cfg *models.Config
	err := s.store.View(func(tx *store.Tx) error {
		var err error
		cfg, err = loadConfig(tx)
		return err
	})
	return cfg, err
}

// Authorize fails with ErrNotAuthorized unless caller is the config
// authority.
func (s *LotteryService) Authorize(caller string) error {
	cfg, err := s.Config()
	if err != nil {
		return err
	}
	if caller != cfg.Authority {
		return ErrNotAuthorized
	}
	return nil
}

func loadConfig(tx *store.Tx) (*models.Config, error) {
	cfg, err := tx.Config()
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConfigMissing
	}
	return cfg, err
}

func loadLottery(tx *store.Tx, id string) (*store.LotteryRecord, error) {
	rec, err := tx.Lottery(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrLotteryNotFound
	}
	return rec, err
}

// CreateLottery allocates a lottery and its empty vault, bound to the
// active config. Only the config authority may create lotteries.
func (s *LotteryService) CreateLottery(caller string) (*models.Lottery, error) {
	now := s.clock.Slot()
	rec := &store.LotteryRecord{ID: uuid.NewString(), CreatedSlot: now}
	var view *models.Lottery
	err := s.store.Update(func(tx *store.Tx) error {
		cfg, err := loadConfig(tx)
		if err != nil {
			return err
		}
		if caller != cfg.Authority {
			return ErrNotAuthorized
		}
		if err := tx.PutLottery(rec); err != nil {
			return fmt.Errorf("create lottery: %w", err)
		}
		view = toView(rec, cfg, now, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("Lottery %s created at slot %d", rec.ID, now)
	return view, nil
}

// Lottery returns a snapshot of lottery id, archived or not.
func (s *LotteryService) Lottery(id string) (*models.Lottery, error) {
	now := s.clock.Slot()
	var view *models.Lottery
	err := s.store.View(func(tx *store.Tx) error {
		cfg, err := loadConfig(tx)
		if err != nil {
			return err
		}
		rec, err := tx.Lottery(id)
		archived := false
		if errors.Is(err, store.ErrNotFound) {
			rec, err = tx.ArchivedLottery(id)
			archived = true
		}
		if errors.Is(err, store.ErrNotFound) {
			return ErrLotteryNotFound
		}
		if err != nil {
			return err
		}
		view = toView(rec, cfg, now, archived)
		return nil
	})
	return view, err
}

// Lotteries returns snapshots of every active lottery.
func (s *LotteryService) Lotteries() ([]*models.Lottery, error) {
	now := s.clock.Slot()
	views := make([]*models.Lottery, 0)
	err := s.store.View(func(tx *store.Tx) error {
		cfg, err := loadConfig(tx)
		if err != nil {
			return err
		}
		for _, id := range tx.LotteryIDs() {
			rec, err := tx.Lottery(id)
			if err != nil {
				return err
			}
			views = append(views, toView(rec, cfg, now, false))
		}
		return nil
	})
	return views, err
}

// ArchiveClaimed moves lotteries whose prize was claimed more than
// olderThan slots ago into the archive and returns how many it moved.
func (s *LotteryService) ArchiveClaimed(olderThan uint64) (int, error) {
	now := s.clock.Slot()
	var archived []string
	err := s.store.Update(func(tx *store.Tx) error {
		for _, id := range tx.LotteryIDs() {
			rec, err := tx.Lottery(id)
			if err != nil {
				return err
			}
			if !rec.Claimed || now-rec.ClaimedSlot <= olderThan {
				continue
			}
			if err := tx.Archive(id); err != nil {
				return err
			}
			archived = append(archived, id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range archived {
		delete(s.locks, id)
		logger.Infof("Archived claimed lottery %s", id)
	}
	return len(archived), nil
}

// phaseOf derives the lifecycle phase from stored state and the slot.
func phaseOf(rec *store.LotteryRecord, cfg *models.Config, now uint64) models.Phase {
	switch {
	case rec.Claimed:
		return models.PhaseClaimed
	case rec.HasWinner:
		return models.PhaseWinnerChosen
	case rec.RandState != store.RandUncommitted:
		return models.PhaseRandomnessCommitted
	case now >= cfg.SaleEnd:
		return models.PhaseSaleClosed
	case now >= cfg.SaleStart:
		return models.PhaseSaleOpen
	default:
		return models.PhaseCreated
	}
}

func randomnessOf(rec *store.LotteryRecord) models.Randomness {
	c := models.Committed{Ref: rec.RandRef, CommitSlot: rec.CommitSlot, RevealDeadline: rec.RevealDeadline}
	switch rec.RandState {
	case store.RandCommitted:
		return c
	case store.RandRevealed:
		return models.Revealed{Committed: c, Value: rec.RandValue}
	default:
		return models.Uncommitted{}
	}
}

func toView(rec *store.LotteryRecord, cfg *models.Config, now uint64, archived bool) *models.Lottery {
	v := &models.Lottery{
		ID:           rec.ID,
		Phase:        phaseOf(rec, cfg, now),
		TotalTickets: rec.TotalTickets,
		PotBalance:   rec.PotBalance,
		Claimed:      rec.Claimed,
		Randomness:   randomnessOf(rec),
		Vault:        VaultAccount(rec.ID),
		CreatedSlot:  rec.CreatedSlot,
		ClaimedSlot:  rec.ClaimedSlot,
		Archived:     archived,
	}
	if rec.HasWinner {
		w := rec.WinnerID
		v.WinnerID = &w
	}
	return v
}
