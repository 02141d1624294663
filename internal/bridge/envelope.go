package bridge

import (
	"encoding/json"
	"fmt"
)

// MessageType enumerates the four kinds of bridge traffic between the
// background receiver and foreground sessions.
type MessageType string

const (
	// TypeRequestSync asks the receiver for anything queued (tab → receiver).
	TypeRequestSync MessageType = "REQUEST_NOTIFICATION_SYNC"
	// TypeSyncNotifications carries the full backlog (receiver → tab).
	TypeSyncNotifications MessageType = "SYNC_NOTIFICATIONS"
	// TypeNotificationReceived carries one live event (receiver → tab).
	TypeNotificationReceived MessageType = "NOTIFICATION_RECEIVED"
	// TypeClearNotifications tells the receiver to purge its backlog,
	// sent only after the tab has durably recorded a synced batch.
	TypeClearNotifications MessageType = "CLEAR_NOTIFICATIONS"
)

// DeliveryChannel records which path surfaced a notification.
type DeliveryChannel string

const (
	ViaForeground DeliveryChannel = "foreground"
	ViaBacklog    DeliveryChannel = "backlog"
	ViaSync       DeliveryChannel = "sync"
)

// Notification is the payload relayed over the bridge. Data always
// carries at least url and createdAt; ID is the stable key the dedup
// gate collapses redundant deliveries on.
type Notification struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Data         map[string]string `json:"data,omitempty"`
	DeliveredVia DeliveryChannel   `json:"deliveredVia,omitempty"`
}

// URL returns the navigation target carried in the payload data.
func (n Notification) URL() string {
	if url := n.Data["url"]; url != "" {
		return url
	}
	return "/"
}

// Envelope is the JSON wire format of one bridge message.
type Envelope struct {
	Type          MessageType    `json:"type"`
	Notification  *Notification  `json:"notification,omitempty"`
	Notifications []Notification `json:"notifications,omitempty"`
}

// Encode serializes the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates an envelope off the wire.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("malformed bridge envelope: %w", err)
	}

	switch e.Type {
	case TypeRequestSync, TypeSyncNotifications, TypeNotificationReceived, TypeClearNotifications:
		return e, nil
	default:
		return Envelope{}, fmt.Errorf("unknown bridge message type %q", e.Type)
	}
}
