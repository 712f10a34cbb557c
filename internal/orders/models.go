package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleStaff    Role = "staff"
	RoleCustomer Role = "customer"
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Phone    string `json:"phone_number,omitempty"`
	Role     Role   `json:"role"`
}

type Product struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	StockLevel int             `json:"stock_level"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Order struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"external_id,omitempty"`
	UserID        string          `json:"user_id"`
	Items         []OrderItem     `json:"items"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Status        Status          `json:"status"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// OrderItem snapshots the unit price at order time.
type OrderItem struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type Payment struct {
	ID                string          `json:"id"`
	OrderID           string          `json:"order_id"`
	Amount            decimal.Decimal `json:"amount"`
	TransactionID     string          `json:"transaction_id,omitempty"` // empty until the gateway assigns one
	Method            PaymentMethod   `json:"payment_method"`
	Status            PaymentStatus   `json:"status"`
	ResultDescription string          `json:"result_description,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// LoyaltyPoint is append-only.
type LoyaltyPoint struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	OrderID  string    `json:"order_id"`
	Points   int64     `json:"points"`
	EarnedAt time.Time `json:"earned_at"`
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Recipient string    `json:"recipient"`
	Channel   Channel   `json:"channel"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

var pointsDivisor = decimal.NewFromInt(10)

// LoyaltyPointsFor returns floor(total / 10).
func LoyaltyPointsFor(total decimal.Decimal) int64 {
	if total.IsNegative() {
		return 0
	}
	return total.Div(pointsDivisor).Floor().IntPart()
}
