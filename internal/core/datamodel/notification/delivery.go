package notification

import "time"

type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelSQS     Channel = "sqs"
	ChannelReceipt Channel = "receipt"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryExhausted DeliveryStatus = "EXHAUSTED"
)

// Delivery tracks one downstream notification for one terminal transition.
type Delivery struct {
	ID                int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	AttemptID         string         `gorm:"column:attempt_id;not null;uniqueIndex:uq_delivery_attempt_channel_event,priority:1" json:"attempt_id"`
	ExternalReference string         `gorm:"column:external_reference;not null" json:"external_reference"`
	Channel           Channel        `gorm:"column:channel;not null;uniqueIndex:uq_delivery_attempt_channel_event,priority:2" json:"channel"`
	EventType         string         `gorm:"column:event_type;not null;uniqueIndex:uq_delivery_attempt_channel_event,priority:3" json:"event_type"`
	Status            DeliveryStatus `gorm:"column:status;not null;index" json:"status"`
	Attempts          int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError         *string        `gorm:"column:last_error" json:"last_error,omitempty"`
	NextAttemptAt     *time.Time     `gorm:"column:next_attempt_at;index" json:"next_attempt_at,omitempty"`
	DeliveredAt       *time.Time     `gorm:"column:delivered_at" json:"delivered_at,omitempty"`
	CreatedAt         time.Time      `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Delivery) TableName() string {
	return "notification_deliveries"
}
