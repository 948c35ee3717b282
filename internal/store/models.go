package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Account is the single active backend account on the device.
type Account struct {
	GUID     string `db:"guid"`
	Name     string `db:"name"`
	UseRelay bool   `db:"use_relay"`
	Login    string `db:"login"`
	Password string `db:"password"`
	RelayKey string `db:"relay_key"`
	Token    string `db:"token"`
	Options  string `db:"options"`
	License  string `db:"license"`
}

// AccountOptions is the decoded view of Account.Options.
type AccountOptions struct {
	Write             bool `json:"write"`
	ClientsLocations  bool `json:"clients_locations"`
	ClientsDirections bool `json:"clients_directions"`
	ClientsGoods      bool `json:"clients_goods"`
	Images            bool `json:"images"`
}

// HasOptions reports whether a check response has been stored yet.
func (a *Account) HasOptions() bool {
	return a.Options != "" && a.Options != "{}" && a.Options != "null"
}

// ParsedOptions decodes Options; an empty blob yields the zero value.
func (a *Account) ParsedOptions() (AccountOptions, error) {
	var opts AccountOptions
	if !a.HasOptions() {
		return opts, nil
	}
	err := json.Unmarshal([]byte(a.Options), &opts)
	return opts, err
}

// CanWrite reports whether the backend allows this device to push documents.
func (a *Account) CanWrite() bool {
	opts, err := a.ParsedOptions()
	return err == nil && opts.Write
}

// CatalogItem is a backend-owned row. Identity is (DatabaseID, GUID) within
// Type; a newer Timestamp wins.
type CatalogItem struct {
	Type       string          `db:"type"`
	DatabaseID string          `db:"database_id"`
	GUID       string          `db:"guid"`
	Timestamp  int64           `db:"timestamp"`
	Fields     json.RawMessage `db:"fields"`
}

// SendResult records a backend acceptance of an outbound document.
type SendResult struct {
	DocumentGUID string       `db:"document_guid"`
	Kind         DocumentKind `db:"kind"`
	Status       string       `db:"status"`
	Warning      string       `db:"warning"`
	Transport    string       `db:"transport"`
	SentAt       time.Time    `db:"sent_at"`
}

type SyncHistory struct {
	ID           string         `db:"id"`
	AccountGUID  string         `db:"account_guid"`
	StartedAt    time.Time      `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
	Direction    string         `db:"direction"`
	Transport    string         `db:"transport"`
	TotalRows    int64          `db:"total_rows"`
	Status       string         `db:"status"`
	ErrorMessage sql.NullString `db:"error_message"`
}
