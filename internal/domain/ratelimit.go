package domain

import "time"

// RateBucket is the store-resident state of one token bucket. It is not
// authoritative: a lost bucket is rebuilt as full.
type RateBucket struct {
	Tokens       float64
	LastRefillAt time.Time
}
