package domain

import "time"

// Lease — время-ограниченное эксклюзивное владение именованным скоупом.
// Инвариант: в любой момент на скоуп существует не более одной живой аренды.
// Истечение по TTL, а не по кооперативному Release: упавший владелец
// не может заклинить скоуп навсегда.
type Lease struct {
	Scope      string        `json:"scope"` // Idempotency key или mutex-скоуп
	Owner      string        `json:"owner"` // ID рана/воркера
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
}

// ExpiresAt — момент, после которого аренда считается мертвой.
func (l Lease) ExpiresAt() time.Time { return l.AcquiredAt.Add(l.TTL) }
