package contracts

import (
	"fmt"
	"sort"
	"sync"
)

// Event is implemented by every typed payload. EventName is the routing key
// the payload travels under.
type Event interface {
	EventName() string
}

const (
	OrderCreatedEvent     = "order.event.created"
	OrderCancelledEvent   = "order.event.cancelled"
	OrderPaidEvent        = "order.event.paid"
	StockValidateCommand  = "inventory.command.stock.validate"
	StockValidatedEvent   = "inventory.event.stock.validated"
	PaymentCompletedEvent = "payment.event.completed"
	PaymentFailedEvent    = "payment.event.failed"
)

type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Name      string `json:"name,omitempty"`
}

type OrderCreated struct {
	OrderID     string      `json:"orderId"`
	OrderNumber string      `json:"orderNumber"`
	UserID      string      `json:"userId"`
	Items       []OrderItem `json:"items"`
	TotalAmount float64     `json:"totalAmount"`
}

func (OrderCreated) EventName() string { return OrderCreatedEvent }

type OrderCancelled struct {
	OrderID     string      `json:"orderId"`
	OrderNumber string      `json:"orderNumber"`
	UserID      string      `json:"userId"`
	Items       []OrderItem `json:"items"`
}

func (OrderCancelled) EventName() string { return OrderCancelledEvent }

type OrderPaid struct {
	OrderID string      `json:"orderId"`
	Items   []OrderItem `json:"items"`
}

func (OrderPaid) EventName() string { return OrderPaidEvent }

type StockValidationRequest struct {
	RequestID string      `json:"requestId"`
	Items     []OrderItem `json:"items"`
}

func (StockValidationRequest) EventName() string { return StockValidateCommand }

type StockValidationError struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Requested   int    `json:"requested"`
	Available   int    `json:"available"`
	Message     string `json:"message"`
}

type StockValidationResponse struct {
	RequestID string                 `json:"requestId"`
	IsValid   bool                   `json:"isValid"`
	Errors    []StockValidationError `json:"errors"`
}

func (StockValidationResponse) EventName() string { return StockValidatedEvent }

type PaymentCompleted struct {
	PaymentID     string  `json:"paymentId"`
	OrderID       string  `json:"orderId"`
	Amount        float64 `json:"amount"`
	TransactionID string  `json:"transactionId"`
}

func (PaymentCompleted) EventName() string { return PaymentCompletedEvent }

type PaymentFailed struct {
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId"`
	Reason    string `json:"reason"`
}

func (PaymentFailed) EventName() string { return PaymentFailedEvent }

// EventCatalog maps event names to factories of their typed payloads.
type EventCatalog struct {
	factories map[string]func() Event
	mu        sync.RWMutex
}

// NewEventCatalog creates a catalog preloaded with the given factories.
func NewEventCatalog(factories ...func() Event) *EventCatalog {
	c := &EventCatalog{factories: make(map[string]func() Event)}
	for _, f := range factories {
		_ = c.Register(f)
	}
	return c
}

// DefaultCatalog knows every event declared in this package.
func DefaultCatalog() *EventCatalog {
	return NewEventCatalog(
		func() Event { return &OrderCreated{} },
		func() Event { return &OrderCancelled{} },
		func() Event { return &OrderPaid{} },
		func() Event { return &StockValidationRequest{} },
		func() Event { return &StockValidationResponse{} },
		func() Event { return &PaymentCompleted{} },
		func() Event { return &PaymentFailed{} },
	)
}

// Register adds a factory under the name its events report.
func (c *EventCatalog) Register(factory func() Event) error {
	if factory == nil {
		return fmt.Errorf("event factory cannot be nil")
	}
	name := factory().EventName()
	if name == "" {
		return fmt.Errorf("event name cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[name]; exists {
		return fmt.Errorf("event %s already registered", name)
	}
	c.factories[name] = factory
	return nil
}

// Decode turns a wire message into its typed event.
func (c *EventCatalog) Decode(msg Message) (Event, error) {
	c.mu.RLock()
	factory, ok := c.factories[msg.Name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown event %q", msg.Name)
	}

	event := factory()
	if err := msg.DecodePayload(event); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", msg.Name, err)
	}
	return event, nil
}

// Names returns the registered event names in sorted order.
func (c *EventCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
