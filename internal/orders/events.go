package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventOrderCreated          = "OrderCreated"
	EventOrderConfirmed        = "OrderConfirmed"
	EventOrderShipped          = "OrderShipped"
	EventOrderCancelled        = "OrderCancelled"
	EventPaymentInitiated      = "PaymentInitiated"
	EventPaymentFailed         = "PaymentFailed"
	EventNotificationRequested = "NotificationRequested"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Message       string          `json:"message,omitempty"`        // human readable line for live dashboards
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, producer, correlationID, message string, payload any) Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Message:       message,
		Payload:       b,
	}
}

// ---- payloads ----

type ItemQty struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type ItemPrice struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type OrderCreatedPayload struct {
	OrderID       string          `json:"order_id"`
	ExternalID    string          `json:"external_id,omitempty"`
	UserID        string          `json:"user_id"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Items         []ItemPrice     `json:"items"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}

type OrderStatusPayload struct {
	OrderID string `json:"order_id"`
	Status  Status `json:"status"`
}

type OrderCancelledPayload struct {
	OrderID  string    `json:"order_id"`
	Released []ItemQty `json:"released"`
}

type PaymentPayload struct {
	OrderID       string          `json:"order_id"`
	PaymentID     string          `json:"payment_id"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Status        PaymentStatus   `json:"status"`
	Reason        string          `json:"reason,omitempty"`
}

func priceItems(items []OrderItem) []ItemPrice {
	out := make([]ItemPrice, 0, len(items))
	for _, it := range items {
		out = append(out, ItemPrice{ProductID: it.ProductID, Quantity: it.Quantity, Price: it.Price})
	}
	return out
}
