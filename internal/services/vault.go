package services

import (
	"errors"

	"github.com/google/logger"

	"tokenlottery/internal/models"
	"tokenlottery/internal/store"
)

// ClaimPrize pays the whole pot of lottery id to caller, who must own the
// winning ticket. The payout happens once.
func (s *LotteryService) ClaimPrize(id, caller string) (uint64, error) {
	unlock := s.lock(id)
	defer unlock()

	now := s.clock.Slot()
	var paid uint64
	var winning *models.Ticket
	err := s.store.Update(func(tx *store.Tx) error {
		cfg, err := loadConfig(tx)
		if err != nil {
			return err
		}
		rec, err := tx.Lottery(id)
		if errors.Is(err, store.ErrNotFound) {
			// Only claimed lotteries are ever archived.
			if _, aerr := tx.ArchivedLottery(id); aerr == nil {
				return ErrAlreadyClaimed
			}
			return ErrLotteryNotFound
		}
		if err != nil {
			return err
		}
		if rec.Claimed {
			return ErrAlreadyClaimed
		}
		if phaseOf(rec, cfg, now) != models.PhaseWinnerChosen {
			return ErrInvalidState
		}
		ticket, err := tx.Ticket(id, rec.WinnerID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrTicketNotFound
		}
		if err != nil {
			return err
		}
		if ticket.Owner != caller {
			return ErrNotWinner
		}

		if err := tx.Transfer(VaultAccount(id), caller, rec.PotBalance); err != nil {
			return err
		}
		paid = rec.PotBalance
		winning = ticket
		rec.PotBalance = 0
		rec.Claimed = true
		rec.ClaimedSlot = now
		return tx.PutLottery(rec)
	})
	if err != nil {
		return 0, err
	}
	logger.Infof("Lottery %s: %s claimed %d with %s", id, caller, paid, winning.Name())
	return paid, nil
}

// Credit adds amount to account. It stands in for funding a wallet.
func (s *LotteryService) Credit(account string, amount uint64) (uint64, error) {
	var balance uint64
	err := s.store.Update(func(tx *store.Tx) error {
		if err := tx.Credit(account, amount); err != nil {
			if errors.Is(err, store.ErrBalanceOverflow) {
				return ErrOverflow
			}
			return err
		}
		balance = tx.Balance(account)
		return nil
	})
	return balance, err
}

// Balance returns the balance of account.
func (s *LotteryService) Balance(account string) (uint64, error) {
	var balance uint64
	err := s.store.View(func(tx *store.Tx) error {
		balance = tx.Balance(account)
		return nil
	})
	return balance, err
}
