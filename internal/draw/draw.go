// Package draw maps a revealed random value onto a ticket id.
package draw

import "errors"

var ErrNoTickets = errors.New("draw: no tickets")

// Select returns value mod total. The result is not perfectly uniform when
// total does not divide 2^64; for realistic ticket counts the bias is below
// total/2^64.
func Select(value, total uint64) (uint64, error) {
	if total == 0 {
		return 0, ErrNoTickets
	}
	return value % total, nil
}
