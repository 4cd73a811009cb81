package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"execgate/internal/model"
)

// Order is a persisted parent order.
type Order struct {
	ID         string            `gorm:"primaryKey;size:36"`
	Symbol     string            `gorm:"size:16;index"`
	Side       model.Side        `gorm:"size:8"`
	Qty        int64
	SliceCount int
	Status     model.OrderStatus `gorm:"size:16;index"`
	Reason     string            `gorm:"size:256"`
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Slices []Slice `gorm:"foreignKey:OrderID"`
}

// Slice is one scheduled child of a parent order.
type Slice struct {
	ID            string            `gorm:"primaryKey;size:36"`
	OrderID       string            `gorm:"size:36;index"`
	Seq           int
	Qty           int64
	ScheduledAt   time.Time
	BrokerOrderID string            `gorm:"size:64"`
	Status        model.OrderStatus `gorm:"size:16"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store persists orders and slices in Postgres.
type Store struct {
	db *gorm.DB
}

// New wraps a gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Order{}, &Slice{})
}

// NewOrderID allocates an order identifier.
func NewOrderID() string {
	return uuid.NewString()
}

// CreateOrder inserts the order with its slices.
func (s *Store) CreateOrder(ctx context.Context, order *Order) error {
	return s.db.WithContext(ctx).Create(order).Error
}

// GetOrder loads an order with its slices.
func (s *Store) GetOrder(ctx context.Context, id string) (Order, error) {
	var order Order
	err := s.db.WithContext(ctx).Preload("Slices").First(&order, "id = ?", id).Error
	return order, err
}

// UpdateOrderStatus moves the order to status with an optional reason.
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, status model.OrderStatus, reason string) error {
	return s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "reason": reason}).Error
}

// MarkSliceSubmitted records the broker order id on a submitted slice.
func (s *Store) MarkSliceSubmitted(ctx context.Context, sliceID, brokerOrderID string) error {
	return s.db.WithContext(ctx).Model(&Slice{}).
		Where("id = ?", sliceID).
		Updates(map[string]any{
			"broker_order_id": brokerOrderID,
			"status":          model.OrderStatusWorking,
		}).Error
}

// MarkSliceRejected records a failed slice submission.
func (s *Store) MarkSliceRejected(ctx context.Context, sliceID string) error {
	return s.db.WithContext(ctx).Model(&Slice{}).
		Where("id = ?", sliceID).
		Update("status", model.OrderStatusRejected).Error
}

// ListOpenOrders returns orders that are still new or working.
func (s *Store) ListOpenOrders(ctx context.Context) ([]Order, error) {
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("status IN ?", []model.OrderStatus{model.OrderStatusNew, model.OrderStatusWorking}).
		Order("created_at").
		Find(&orders).Error
	return orders, err
}
