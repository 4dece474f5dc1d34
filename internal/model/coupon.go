package model

import "time"

// CouponStatus is the lifecycle state of a coupon. Transitions are one-way:
// issued -> redeemed or issued -> expired.
type CouponStatus string

const (
	CouponIssued   CouponStatus = "issued"
	CouponRedeemed CouponStatus = "redeemed"
	CouponExpired  CouponStatus = "expired"
)

// DefaultDiscountRule is attached to coupons when none is given.
const DefaultDiscountRule = "10%_OFF"

// Coupon is a redeemable reward tied to one successful mission.
type Coupon struct {
	Code         string       `json:"code"`
	Description  string       `json:"description"`
	MissionID    string       `json:"mission_id,omitempty"`
	MissionType  MissionType  `json:"mission_type"`
	Answer       string       `json:"answer"`
	PartnerID    string       `json:"partner_id,omitempty"`
	DiscountRule string       `json:"discount_rule"`
	Status       CouponStatus `json:"status"`
	IssuedAt     time.Time    `json:"issued_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	RedeemedAt   *time.Time   `json:"redeemed_at"`
	PartnerPosID string       `json:"partner_pos_id,omitempty"`
}

// RedeemStatus is the terminal outcome of a redemption attempt.
type RedeemStatus string

const (
	RedeemOK              RedeemStatus = "redeemed"
	RedeemAlreadyRedeemed RedeemStatus = "already_redeemed"
	RedeemExpired         RedeemStatus = "expired"
	RedeemNotFound        RedeemStatus = "not_found"
)

// RedeemResult reports a redemption outcome. Coupon is nil for not_found.
type RedeemResult struct {
	Status  RedeemStatus `json:"redeem_status"`
	Message string       `json:"message"`
	Coupon  *Coupon      `json:"coupon,omitempty"`
}
