package models

import (
	"encoding/json"
	"strconv"
)

// TicketNamePrefix is the display-name prefix of every ticket; the ticket
// id is appended to it.
const TicketNamePrefix = "Token Lottery Ticket #"

// Config is the singleton lottery configuration. It is written once by
// the authority and never mutated afterwards.
type Config struct {
	Authority    string `json:"authority"`
	TicketPrice  uint64 `json:"ticketPrice"`
	SaleStart    uint64 `json:"saleStart"`
	SaleEnd      uint64 `json:"saleEnd"`
	RevealWindow uint64 `json:"revealWindow"`
}

// SaleOpenAt reports whether tickets may be bought at slot.
func (c *Config) SaleOpenAt(slot uint64) bool {
	return c.SaleStart <= slot && slot < c.SaleEnd
}

// Phase is a lottery's position in its lifecycle.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseSaleOpen
	PhaseSaleClosed
	PhaseRandomnessCommitted
	PhaseWinnerChosen
	PhaseClaimed
)

var phaseNames = [...]string{
	PhaseCreated:             "Created",
	PhaseSaleOpen:            "SaleOpen",
	PhaseSaleClosed:          "SaleClosed",
	PhaseRandomnessCommitted: "RandomnessCommitted",
	PhaseWinnerChosen:        "WinnerChosen",
	PhaseClaimed:             "Claimed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "Phase(" + strconv.Itoa(int(p)) + ")"
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Randomness is the commit-reveal state of a lottery. It is one of
// Uncommitted, Committed or Revealed.
type Randomness interface {
	randomness()
}

// Uncommitted means no oracle request has been bound yet.
type Uncommitted struct{}

// Committed binds an oracle request made at CommitSlot. Its revealed value
// may be consumed up to and including RevealDeadline.
type Committed struct {
	Ref            string `json:"ref"`
	CommitSlot     uint64 `json:"commitSlot"`
	RevealDeadline uint64 `json:"revealDeadline"`
}

// Revealed is a commitment whose value has been observed and consumed.
type Revealed struct {
	Committed
	Value uint64 `json:"value"`
}

func (Uncommitted) randomness() {}
func (Committed) randomness()   {}
func (Revealed) randomness()    {}

// Expired reports whether the commitment can no longer be consumed at slot.
func (c Committed) Expired(slot uint64) bool {
	return slot > c.RevealDeadline
}

// Lottery is a read-only snapshot of one lottery run.
type Lottery struct {
	ID           string     `json:"id"`
	Phase        Phase      `json:"phase"`
	TotalTickets uint64     `json:"totalTickets"`
	PotBalance   uint64     `json:"potBalance"`
	WinnerID     *uint64    `json:"winnerId,omitempty"`
	Claimed      bool       `json:"claimed"`
	Randomness   Randomness `json:"randomness"`
	Vault        string     `json:"vault"`
	CreatedSlot  uint64     `json:"createdSlot"`
	ClaimedSlot  uint64     `json:"claimedSlot,omitempty"`
	Archived     bool       `json:"archived,omitempty"`
}

// Ticket is a single purchase.
type Ticket struct {
	LotteryID    string `json:"lotteryId"`
	TicketID     uint64 `json:"ticketId"`
	Owner        string `json:"owner"`
	PurchaseSlot uint64 `json:"purchaseSlot"`
}

// Name returns the ticket's display name.
func (t *Ticket) Name() string {
	return TicketNamePrefix + strconv.FormatUint(t.TicketID, 10)
}

func (Uncommitted) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		State string `json:"state"`
	}{"uncommitted"})
}

func (c Committed) MarshalJSON() ([]byte, error) {
	type plain Committed
	return json.Marshal(struct {
		State string `json:"state"`
		plain
	}{"committed", plain(c)})
}

func (r Revealed) MarshalJSON() ([]byte, error) {
	type plain Committed
	return json.Marshal(struct {
		State string `json:"state"`
		plain
		Value uint64 `json:"value"`
	}{"revealed", plain(r.Committed), r.Value})
}
