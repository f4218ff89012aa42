package services

import (
	"errors"
	"math/bits"

	"github.com/google/logger"

	"tokenlottery/internal/models"
	"tokenlottery/internal/store"
)

// BuyTicket sells the next ticket of lottery id to buyer. payment is the
// most the buyer is willing to pay; exactly the ticket price moves from the
// buyer's account into the lottery vault.
func (s *LotteryService) BuyTicket(id, buyer string, payment uint64) (*models.Ticket, error) {
	unlock := s.lock(id)
	defer unlock()

	now := s.clock.Slot()
	var ticket *models.Ticket
	err := s.store.Update(func(tx *store.Tx) error {
		cfg, err := loadConfig(tx)
		if err != nil {
			return err
		}
		rec, err := loadLottery(tx, id)
		if err != nil {
			return err
		}
		if !cfg.SaleOpenAt(now) {
			return ErrSaleClosed
		}
		if phase := phaseOf(rec, cfg, now); phase != models.PhaseSaleOpen {
			return ErrInvalidState
		}
		if payment < cfg.TicketPrice {
			return ErrInsufficientFunds
		}

		next, carry := bits.Add64(rec.TotalTickets, 1, 0)
		if carry != 0 {
			return ErrOverflow
		}
		pot, carry := bits.Add64(rec.PotBalance, cfg.TicketPrice, 0)
		if carry != 0 {
			return ErrOverflow
		}

		switch err := tx.Transfer(buyer, VaultAccount(id), cfg.TicketPrice); {
		case errors.Is(err, store.ErrInsufficientBalance):
			return ErrInsufficientFunds
		case errors.Is(err, store.ErrBalanceOverflow):
			return ErrOverflow
		case err != nil:
			return err
		}

		ticket = &models.Ticket{LotteryID: id, TicketID: rec.TotalTickets, Owner: buyer, PurchaseSlot: now}
		if err := tx.PutTicket(ticket); err != nil {
			return err
		}
		rec.TotalTickets = next
		rec.PotBalance = pot
		return tx.PutLottery(rec)
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("Lottery %s: ticket %d sold to %s at slot %d", id, ticket.TicketID, buyer, now)
	return ticket, nil
}

// Tickets returns the tickets of lottery id ordered by ticket id.
func (s *LotteryService) Tickets(id string) ([]*models.Ticket, error) {
	var tickets []*models.Ticket
	err := s.store.View(func(tx *store.Tx) error {
		var err error
		tickets, err = tx.Tickets(id)
		if errors.Is(err, store.ErrNotFound) {
			return ErrLotteryNotFound
		}
		return err
	})
	if tickets == nil {
		tickets = make([]*models.Ticket, 0)
	}
	return tickets, err
}

// Ticket returns ticket n of lottery id.
func (s *LotteryService) Ticket(id string, n uint64) (*models.Ticket, error) {
	var ticket *models.Ticket
	err := s.store.View(func(tx *store.Tx) error {
		var err error
		ticket, err = tx.Ticket(id, n)
		if errors.Is(err, store.ErrNotFound) {
			return ErrTicketNotFound
		}
		return err
	})
	return ticket, err
}
