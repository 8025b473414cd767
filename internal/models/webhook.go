package models

import "time"

// MaxWebhooksPerAccount caps subscriptions per account.
const MaxWebhooksPerAccount = 10

type Webhook struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"created_at"`
}
