package model

import (
	"encoding/json"
	"time"
)

// LogEntryRequest is the body of POST /log-entry.
type LogEntryRequest struct {
	LogType         string          `json:"logType" binding:"required,max=64"`
	LocationID      string          `json:"locationId" binding:"required"`
	EmployeeID      string          `json:"employeeId" binding:"required"`
	Data            json.RawMessage `json:"data,omitempty"`
	Signature       json.RawMessage `json:"signature,omitempty"`
	Geolocation     json.RawMessage `json:"geolocation,omitempty"`
	ClientCreatedAt time.Time       `json:"clientCreatedAt" binding:"required"`
	IdempotencyKey  string          `json:"idempotencyKey" binding:"required,uuid"`
}

func NewLogEntryRequest(e *QueueEntry) LogEntryRequest {
	return LogEntryRequest{
		LogType:         e.Payload.LogType,
		LocationID:      e.Payload.LocationID,
		EmployeeID:      e.Payload.EmployeeID,
		Data:            e.Payload.Data,
		Signature:       e.Payload.Signature,
		Geolocation:     e.Payload.Geolocation,
		ClientCreatedAt: e.ClientCreatedAt,
		IdempotencyKey:  e.IdempotencyKey,
	}
}

// LogEntryReceipt is returned by the backend when it accepts a record.
type LogEntryReceipt struct {
	ID               string    `json:"id"`
	ServerReceivedAt time.Time `json:"serverReceivedAt"`
}

// EnqueueRequest is the body of POST /entries on the local admin API.
type EnqueueRequest struct {
	LogType     string          `json:"logType" binding:"required,max=64"`
	LocationID  string          `json:"locationId" binding:"required"`
	EmployeeID  string          `json:"employeeId" binding:"required"`
	Data        json.RawMessage `json:"data,omitempty"`
	Signature   json.RawMessage `json:"signature,omitempty"`
	Geolocation json.RawMessage `json:"geolocation,omitempty"`
}

func (r EnqueueRequest) Payload() Payload {
	return Payload{
		LogType:     r.LogType,
		LocationID:  r.LocationID,
		EmployeeID:  r.EmployeeID,
		Data:        r.Data,
		Signature:   r.Signature,
		Geolocation: r.Geolocation,
	}
}

// EnqueueResponse answers POST /entries.
type EnqueueResponse struct {
	IdempotencyKey string `json:"idempotencyKey"`
}
