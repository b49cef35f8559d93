package dto

import "time"

// PaymentResponse represents a member payment as exposed via transport layers.
type PaymentResponse struct {
	ID            int64  `json:"id"`
	UserID        int64  `json:"user_id"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// OrderResponse represents an order as exposed via transport layers.
type OrderResponse struct {
	ID                int64             `json:"id"`
	TeamID            int64             `json:"team_id"`
	Status            string            `json:"status"`
	MinimumThreshold  string            `json:"minimum_threshold"`
	AccumulatedAmount string            `json:"accumulated_amount"`
	CapturedAmount    string            `json:"captured_amount"`
	Deadline          time.Time         `json:"deadline"`
	DeliveryDate      *time.Time        `json:"delivery_date,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Payments          []PaymentResponse `json:"payments"`
}

// StageResponse reports the outcome of a settlement stage trigger.
type StageResponse struct {
	Stage     string `json:"stage"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}
