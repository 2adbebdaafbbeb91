package models

import "fmt"

// Reminder is one entry of the persisted reminder collection. The collection
// lives under a single storage key as a JSON array; all updates are
// whole-array read-modify-write.
type Reminder struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Time   string `json:"time"` // display form, zero-padded HH:MM
	Hour   int    `json:"hour"`
	Minute int    `json:"minute"`

	// Daily reminders fire through the notification gateway instead of a
	// one-shot publish timer. NotificationID holds the gateway schedule id
	// so Delete can cancel it.
	Daily          bool   `json:"daily,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
}

// DisplayTime renders hour/minute as the zero-padded HH:MM form stored in Time.
func DisplayTime(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}
