// Package store persists the lottery ledger state in a bbolt file. Every
// caller operation runs inside one Update, so a failed operation leaves no
// partial write behind.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"go.dedis.ch/protobuf"
	bolt "go.etcd.io/bbolt"

	"tokenlottery/internal/models"
)

var (
	bucketConfig    = []byte("config")
	bucketLotteries = []byte("lotteries")
	bucketTickets   = []byte("tickets")
	bucketAccounts  = []byte("accounts")
	bucketArchive   = []byte("archive")

	keyConfig = []byte("config")
)

var (
	ErrNotFound            = errors.New("store: not found")
	ErrTicketExists        = errors.New("store: ticket id already assigned")
	ErrInsufficientBalance = errors.New("store: insufficient balance")
	ErrBalanceOverflow     = errors.New("store: balance overflow")
)

// Randomness states of a LotteryRecord.
const (
	RandUncommitted uint32 = iota
	RandCommitted
	RandRevealed
)

// LotteryRecord is the persisted form of a lottery. Optional values are
// flattened into flag/value pairs.
type LotteryRecord struct {
	ID           string
	TotalTickets uint64
	PotBalance   uint64
	HasWinner    bool
	WinnerID     uint64
	Claimed      bool
	ClaimedSlot  uint64
	CreatedSlot  uint64

	RandState      uint32
	RandRef        string
	CommitSlot     uint64
	RevealDeadline uint64
	RandValue      uint64
}

// Store wraps the bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database at path and makes sure all
// top-level buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConfig, bucketLotteries, bucketTickets, bucketAccounts, bucketArchive} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn in a read-write transaction. If fn returns an error every
// write it made is rolled back.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Tx exposes typed accessors over a bbolt transaction.
type Tx struct {
	tx *bolt.Tx
}

func (t *Tx) get(bucket, key []byte, v interface{}) error {
	buf := t.tx.Bucket(bucket).Get(key)
	if buf == nil {
		return ErrNotFound
	}
	if err := protobuf.Decode(buf, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return nil
}

func put(b *bolt.Bucket, key []byte, v interface{}) error {
	buf, err := protobuf.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Put(key, buf)
}

func (t *Tx) Config() (*models.Config, error) {
	cfg := &models.Config{}
	if err := t.get(bucketConfig, keyConfig, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (t *Tx) PutConfig(cfg *models.Config) error {
	return put(t.tx.Bucket(bucketConfig), keyConfig, cfg)
}

// Lottery loads an active (not archived) lottery.
func (t *Tx) Lottery(id string) (*LotteryRecord, error) {
	rec := &LotteryRecord{}
	if err := t.get(bucketLotteries, []byte(id), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ArchivedLottery loads a lottery from the archive.
func (t *Tx) ArchivedLottery(id string) (*LotteryRecord, error) {
	rec := &LotteryRecord{}
	if err := t.get(bucketArchive, []byte(id), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// PutLottery writes rec and makes sure its ticket bucket exists.
func (t *Tx) PutLottery(rec *LotteryRecord) error {
	if _, err := t.tx.Bucket(bucketTickets).CreateBucketIfNotExists([]byte(rec.ID)); err != nil {
		return fmt.Errorf("create ticket bucket %s: %w", rec.ID, err)
	}
	return put(t.tx.Bucket(bucketLotteries), []byte(rec.ID), rec)
}

// LotteryIDs lists active lotteries in key order.
func (t *Tx) LotteryIDs() []string {
	var ids []string
	t.tx.Bucket(bucketLotteries).ForEach(func(k, _ []byte) error {
		ids = append(ids, string(k))
		return nil
	})
	return ids
}

// Archive moves a lottery record into the archive bucket. Its tickets stay
// readable.
func (t *Tx) Archive(id string) error {
	rec, err := t.Lottery(id)
	if err != nil {
		return err
	}
	if err := put(t.tx.Bucket(bucketArchive), []byte(id), rec); err != nil {
		return err
	}
	return t.tx.Bucket(bucketLotteries).Delete([]byte(id))
}

func ticketKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

func (t *Tx) tickets(lotteryID string) (*bolt.Bucket, error) {
	b := t.tx.Bucket(bucketTickets).Bucket([]byte(lotteryID))
	if b == nil {
		return nil, ErrNotFound
	}
	return b, nil
}

// PutTicket records tk under its ticket id. Ids are never overwritten.
func (t *Tx) PutTicket(tk *models.Ticket) error {
	b, err := t.tickets(tk.LotteryID)
	if err != nil {
		return err
	}
	key := ticketKey(tk.TicketID)
	if b.Get(key) != nil {
		return ErrTicketExists
	}
	return put(b, key, tk)
}

func (t *Tx) Ticket(lotteryID string, n uint64) (*models.Ticket, error) {
	b, err := t.tickets(lotteryID)
	if err != nil {
		return nil, err
	}
	buf := b.Get(ticketKey(n))
	if buf == nil {
		return nil, ErrNotFound
	}
	tk := &models.Ticket{}
	if err := protobuf.Decode(buf, tk); err != nil {
		return nil, fmt.Errorf("decode ticket %s/%d: %w", lotteryID, n, err)
	}
	return tk, nil
}

// Tickets returns every ticket of a lottery ordered by ticket id.
func (t *Tx) Tickets(lotteryID string) ([]*models.Ticket, error) {
	b, err := t.tickets(lotteryID)
	if err != nil {
		return nil, err
	}
	var out []*models.Ticket
	err = b.ForEach(func(k, v []byte) error {
		tk := &models.Ticket{}
		if err := protobuf.Decode(v, tk); err != nil {
			return fmt.Errorf("decode ticket %s/%x: %w", lotteryID, k, err)
		}
		out = append(out, tk)
		return nil
	})
	return out, err
}

// Balance returns the balance of account; unknown accounts hold zero.
func (t *Tx) Balance(account string) uint64 {
	buf := t.tx.Bucket(bucketAccounts).Get([]byte(account))
	if len(buf) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(buf)
}

func (t *Tx) setBalance(account string, amount uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, amount)
	return t.tx.Bucket(bucketAccounts).Put([]byte(account), buf)
}

// Credit mints amount into account.
func (t *Tx) Credit(account string, amount uint64) error {
	sum, carry := bits.Add64(t.Balance(account), amount, 0)
	if carry != 0 {
		return ErrBalanceOverflow
	}
	return t.setBalance(account, sum)
}

// Transfer moves amount from one account to another. It never overdraws.
func (t *Tx) Transfer(from, to string, amount uint64) error {
	if from == to {
		return nil
	}
	have := t.Balance(from)
	if have < amount {
		return ErrInsufficientBalance
	}
	sum, carry := bits.Add64(t.Balance(to), amount, 0)
	if carry != 0 {
		return ErrBalanceOverflow
	}
	if err := t.setBalance(from, have-amount); err != nil {
		return err
	}
	return t.setBalance(to, sum)
}
