package models

import "time"

// ConnectorStatus is the health of a configured connector.
type ConnectorStatus string

const (
	ConnectorActive  ConnectorStatus = "active"
	ConnectorPending ConnectorStatus = "pending"
	ConnectorError   ConnectorStatus = "error"
)

// ConnectorConfig is the stored credential bundle + endpoint for one
// connector. The secret material itself lives in Config (JSON), never logged.
type ConnectorConfig struct {
	ID                  string          `json:"id" db:"id"`
	Name                string          `json:"name" db:"name"`
	ConnectorType       string          `json:"connector_type" db:"connector_type"`
	Endpoint            string          `json:"endpoint" db:"endpoint"`
	Config              string          `json:"-" db:"config"`
	SyncIntervalMinutes int             `json:"sync_interval_minutes" db:"sync_interval_minutes"`
	Status              ConnectorStatus `json:"status" db:"status"`
	LastSyncAt          *time.Time      `json:"last_sync_at,omitempty" db:"last_sync_at"`
	LastError           *string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}
