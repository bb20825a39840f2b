package models

import (
	"time"

	"gorm.io/datatypes"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message statuses.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
	StatusReceived  = "received"
)

// Campaign statuses.
const (
	CampaignPending    = "pending"
	CampaignProcessing = "processing"
	CampaignCompleted  = "completed"
	CampaignFailed     = "failed"
)

// Contact tags.
const (
	TagLead   = "lead"
	TagClient = "client"
)

// Contact is a person reachable on the channel, keyed by normalized identity.
type Contact struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	Identity  string            `gorm:"type:varchar(32);uniqueIndex;not null" json:"identity"`
	Name      string            `gorm:"type:varchar(255)" json:"name"`
	Tag       string            `gorm:"type:varchar(50);default:'lead'" json:"tag"`
	Metadata  datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}

// Message is a single inbound or outbound message. ProviderMessageID is the
// idempotency key for webhook redelivery and status reconciliation.
type Message struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	ContactID         uint           `gorm:"index;not null" json:"contact_id"`
	CampaignID        *uint          `gorm:"index" json:"campaign_id,omitempty"`
	Direction         string         `gorm:"type:varchar(10);not null" json:"direction"`
	Type              string         `gorm:"type:varchar(30)" json:"type"`
	Status            string         `gorm:"type:varchar(20);index" json:"status"`
	ProviderMessageID *string        `gorm:"type:varchar(255);uniqueIndex" json:"provider_message_id,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
	Content           string         `gorm:"type:text" json:"content"`
	Payload           datatypes.JSON `json:"payload,omitempty"`
	Error             string         `gorm:"type:text" json:"error,omitempty"`
	Attempts          int            `gorm:"default:0" json:"attempts"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	ReadAt            *time.Time     `json:"read_at,omitempty"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Message) TableName() string {
	return "messages"
}

// Conversation is the bot state for one contact on one channel.
type Conversation struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	ContactID       uint              `gorm:"not null;uniqueIndex:idx_conversation_contact_channel" json:"contact_id"`
	Channel         string            `gorm:"type:varchar(64);not null;uniqueIndex:idx_conversation_contact_channel" json:"channel"`
	State           string            `gorm:"type:varchar(100);not null" json:"state"`
	Context         datatypes.JSONMap `json:"context"`
	LastInteraction time.Time         `json:"last_interaction"`
	Version         int               `gorm:"default:0" json:"version"`
	CreatedAt       time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Campaign is a batch of outbound sends. Counters are always recomputed from
// the statuses of its messages.
type Campaign struct {
	ID               uint                        `gorm:"primaryKey" json:"id"`
	Name             string                      `gorm:"type:varchar(255);not null" json:"name"`
	Text             string                      `gorm:"type:text" json:"text,omitempty"`
	TemplateName     string                      `gorm:"type:varchar(255)" json:"template_name,omitempty"`
	TemplateLanguage string                      `gorm:"type:varchar(20)" json:"template_language,omitempty"`
	TemplateParams   datatypes.JSONSlice[string] `json:"template_params,omitempty"`
	TotalContacts    int                         `json:"total_contacts"`
	SentCount        int                         `json:"sent_count"`
	FailedCount      int                         `json:"failed_count"`
	PendingCount     int                         `json:"pending_count"`
	Status           string                      `gorm:"type:varchar(20);default:'pending'" json:"status"`
	CreatedAt        time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

// UsesTemplate reports whether messages of this campaign go out as templates.
func (c Campaign) UsesTemplate() bool {
	return c.TemplateName != ""
}

// Flow is a stored dialogue definition. Steps are ordered by Position and the
// first one is the entry state.
type Flow struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Name      string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"name"`
	Active    bool       `gorm:"default:false" json:"active"`
	Steps     []FlowStep `gorm:"foreignKey:FlowID;constraint:OnDelete:CASCADE;" json:"steps"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Flow) TableName() string {
	return "flows"
}

type FlowStep struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	FlowID    uint         `gorm:"not null;uniqueIndex:idx_flow_step_state" json:"flow_id"`
	Position  int          `gorm:"not null;default:0" json:"position"`
	StateKey  string       `gorm:"type:varchar(100);not null;uniqueIndex:idx_flow_step_state" json:"state_key"`
	Question  string       `gorm:"type:text" json:"question"`
	Buttons   []FlowButton `gorm:"type:text;serializer:json" json:"buttons"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (FlowStep) TableName() string {
	return "flow_steps"
}

// FlowButton routes a reply to another step or to a terminal sentinel.
// Qualifies marks the outcome recorded when NextState is "finished".
type FlowButton struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	NextState string `json:"next_state"`
	Qualifies *bool  `json:"qualifies,omitempty"`
}
