package services

import (
	"errors"
	"math/bits"

	"github.com/google/logger"

	"tokenlottery/internal/draw"
	"tokenlottery/internal/models"
	"tokenlottery/internal/oracle"
	"tokenlottery/internal/store"
)

// CommitRandomness binds a fresh oracle request to lottery id. The ticket
// sale must be closed and the oracle's commit slot must be strictly after
// the sale end, so the final ticket distribution is fixed before the
// randomness is. A commitment whose reveal deadline passed without a winner
// being chosen is replaced.
func (s *LotteryService) CommitRandomness(id, caller string) (*models.Committed, error) {
	unlock := s.lock(id)
	defer unlock()

	now := s.clock.Slot()
	var committed *models.Committed
	err := s.store.Update(func(tx *store.Tx) error {
		cfg, err := loadConfig(tx)
		if err != nil {
			return err
		}
		rec, err := loadLottery(tx, id)
		if err != nil {
			return err
		}
		if caller != cfg.Authority {
			return ErrNotAuthorized
		}
		switch phaseOf(rec, cfg, now) {
		case models.PhaseCreated, models.PhaseSaleOpen:
			return ErrTooEarly
		case models.PhaseSaleClosed:
		case models.PhaseRandomnessCommitted:
			if now <= rec.RevealDeadline {
				return ErrAlreadyCommitted
			}
			logger.Warningf("Lottery %s: commitment %s expired at slot %d, replacing", id, rec.RandRef, rec.RevealDeadline)
		default:
			return ErrInvalidState
		}

		c, err := s.oracle.RequestCommitment()
		if err != nil {
			logger.Errorf("Lottery %s: oracle request failed: %v", id, err)
			return ErrOracleUnavailable
		}
		if c.CommitSlot <= cfg.SaleEnd {
			logger.Warningf("Lottery %s: oracle commit slot %d is not after sale end %d", id, c.CommitSlot, cfg.SaleEnd)
			return ErrStaleCommit
		}
		deadline, carry := bits.Add64(c.CommitSlot, cfg.RevealWindow, 0)
		if carry != 0 {
			return ErrOverflow
		}

		rec.RandState = store.RandCommitted
		rec.RandRef = c.Ref
		rec.CommitSlot = c.CommitSlot
		rec.RevealDeadline = deadline
		rec.RandValue = 0
		if err := tx.PutLottery(rec); err != nil {
			return err
		}
		committed = &models.Committed{Ref: c.Ref, CommitSlot: c.CommitSlot, RevealDeadline: deadline}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("Lottery %s: randomness committed to %s at slot %d, deadline %d",
		id, committed.Ref, committed.CommitSlot, committed.RevealDeadline)
	return committed, nil
}

// ChooseWinner reads the oracle's value for the bound commitment and picks
// the winning ticket. Anyone may call it. ErrRandomnessNotResolved is the
// normal answer until the oracle reveals; callers poll.
func (s *LotteryService) ChooseWinner(id string) (*models.Lottery, error) {
	unlock := s.lock(id)
	defer unlock()

	now := s.clock.Slot()
	var view *models.Lottery
	err := s.store.Update(func(tx *store.Tx) error {
		cfg, err := loadConfig(tx)
		if err != nil {
			return err
		}
		rec, err := loadLottery(tx, id)
		if err != nil {
			return err
		}
		if rec.HasWinner {
			return ErrAlreadyChosen
		}
		if phaseOf(rec, cfg, now) != models.PhaseRandomnessCommitted {
			return ErrInvalidState
		}
		if rec.TotalTickets == 0 {
			return ErrNoParticipants
		}
		if now > rec.RevealDeadline {
			return ErrRevealExpired
		}

		value, ok, err := s.oracle.RevealedValue(rec.RandRef)
		switch {
		case errors.Is(err, oracle.ErrUnknownCommitment):
			logger.Errorf("Lottery %s: oracle does not know commitment %s", id, rec.RandRef)
			return ErrOracleUnavailable
		case err != nil:
			logger.Errorf("Lottery %s: oracle read failed: %v", id, err)
			return ErrOracleUnavailable
		case !ok:
			return ErrRandomnessNotResolved
		}

		winner, err := draw.Select(value, rec.TotalTickets)
		if err != nil {
			return ErrNoParticipants
		}
		rec.RandState = store.RandRevealed
		rec.RandValue = value
		rec.HasWinner = true
		rec.WinnerID = winner
		if err := tx.PutLottery(rec); err != nil {
			return err
		}
		view = toView(rec, cfg, now, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("Lottery %s: randomness %d over %d tickets, winner is ticket %d",
		id, view.Randomness.(models.Revealed).Value, view.TotalTickets, *view.WinnerID)
	return view, nil
}
