package orders

import "fmt"

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusShipped   Status = "shipped"
	StatusCancelled Status = "cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed: {StatusShipped: true},
	StatusShipped:   {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Terminal payments are never transitioned again by a callback.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

type PaymentMethod string

const (
	MethodCash        PaymentMethod = "Cash"
	MethodMobileMoney PaymentMethod = "M-Pesa"
	MethodCard        PaymentMethod = "Card"
)

// ParsePaymentMethod accepts the wire names plus "MobileMoney" as an alias.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch s {
	case string(MethodCash):
		return MethodCash, nil
	case string(MethodMobileMoney), "MobileMoney":
		return MethodMobileMoney, nil
	case string(MethodCard):
		return MethodCard, nil
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}

// RequiresPaymentRecord reports whether an order placed with m gets a pending
// Payment row at creation time.
func (m PaymentMethod) RequiresPaymentRecord() bool {
	switch m {
	case MethodMobileMoney:
		return true
	case MethodCash, MethodCard:
		return false
	}
	return false
}

type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "email"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelEmail:
		return true
	}
	return false
}
