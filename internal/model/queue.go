package model

import (
	"encoding/json"
	"time"
)

type EntryStatus string

const (
	StatusPending EntryStatus = "pending"
	StatusFailed  EntryStatus = "failed"
	StatusSynced  EntryStatus = "synced"
)

func (s EntryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusFailed, StatusSynced:
		return true
	}
	return false
}

// Payload is the compliance record carried by a queue entry.
type Payload struct {
	LogType     string          `json:"logType"`
	LocationID  string          `json:"locationId"`
	EmployeeID  string          `json:"employeeId"`
	Data        json.RawMessage `json:"data,omitempty"`
	Signature   json.RawMessage `json:"signature,omitempty"`
	Geolocation json.RawMessage `json:"geolocation,omitempty"`
}

// EntryError is the last structured rejection recorded on a failed entry.
type EntryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type QueueEntry struct {
	IdempotencyKey   string      `json:"idempotencyKey"`
	Payload          Payload     `json:"payload"`
	ClientCreatedAt  time.Time   `json:"clientCreatedAt"`
	ServerReceivedAt *time.Time  `json:"serverReceivedAt,omitempty"`
	Status           EntryStatus `json:"status"`
	Attempts         int         `json:"attempts"`
	Error            *EntryError `json:"error,omitempty"`
	SyncedAt         *time.Time  `json:"syncedAt,omitempty"`
	// QueuedAt orders the drain. Strictly increasing within a process.
	QueuedAt int64 `json:"queuedAt"`
}

type QueueStatus struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Synced  int `json:"synced"`
	Total   int `json:"total"`
}

type DrainResult struct {
	Synced       int  `json:"synced"`
	Failed       int  `json:"failed"`
	Stopped      bool `json:"stopped"`
	AuthRequired bool `json:"authRequired"`
}

type EvictionReport struct {
	EvictionDetected bool `json:"evictionDetected"`
	CurrentCount     int  `json:"currentCount"`
}

// DrainLock is the metadata record guarding the drain.
type DrainLock struct {
	Owner     string    `json:"owner"`
	Timestamp time.Time `json:"timestamp"`
}

// Expired reports whether the lock is older than staleAfter at now.
func (l DrainLock) Expired(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(l.Timestamp) > staleAfter
}
