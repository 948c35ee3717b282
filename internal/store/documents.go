package store

import (
	"encoding/json"
	"fmt"
	"time"
)

type DocumentKind string

const (
	KindOrder    DocumentKind = "order"
	KindCash     DocumentKind = "cash"
	KindImage    DocumentKind = "image"
	KindLocation DocumentKind = "location"
)

// Document is an outbound document awaiting delivery. The set of
// implementations is closed: Order, Cash, Image, Location.
type Document interface {
	Kind() DocumentKind
	DocumentGUID() string
	Account() string
	document()
}

type Order struct {
	GUID       string    `json:"guid"`
	AccountID  string    `json:"-"`
	ClientGUID string    `json:"client_guid"`
	Number     string    `json:"number"`
	Date       time.Time `json:"date"`
	Total      float64   `json:"total"`
	Comment    string    `json:"comment,omitempty"`
}

type OrderLine struct {
	OrderGUID string  `json:"-"`
	LineNo    int     `json:"line"`
	GoodsGUID string  `json:"goods_guid"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price"`
	Sum       float64 `json:"sum"`
}

type Cash struct {
	GUID       string    `json:"guid"`
	AccountID  string    `json:"-"`
	ClientGUID string    `json:"client_guid"`
	Date       time.Time `json:"date"`
	Amount     float64   `json:"amount"`
	Comment    string    `json:"comment,omitempty"`
}

// Image is a client photo; Data is base64 encoded by encoding/json.
type Image struct {
	GUID        string `json:"guid"`
	AccountID   string `json:"-"`
	ClientGUID  string `json:"client_guid"`
	Description string `json:"description,omitempty"`
	Data        []byte `json:"data"`
}

type Location struct {
	GUID       string    `json:"guid"`
	AccountID  string    `json:"-"`
	ClientGUID string    `json:"client_guid"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (o *Order) Kind() DocumentKind   { return KindOrder }
func (o *Order) DocumentGUID() string { return o.GUID }
func (o *Order) Account() string      { return o.AccountID }
func (*Order) document()              {}

func (c *Cash) Kind() DocumentKind   { return KindCash }
func (c *Cash) DocumentGUID() string { return c.GUID }
func (c *Cash) Account() string      { return c.AccountID }
func (*Cash) document()              {}

func (i *Image) Kind() DocumentKind   { return KindImage }
func (i *Image) DocumentGUID() string { return i.GUID }
func (i *Image) Account() string      { return i.AccountID }
func (*Image) document()              {}

func (l *Location) Kind() DocumentKind   { return KindLocation }
func (l *Location) DocumentGUID() string { return l.GUID }
func (l *Location) Account() string      { return l.AccountID }
func (*Location) document()              {}

// decodeDocument rebuilds a Document from its stored payload.
func decodeDocument(kind DocumentKind, accountID string, payload []byte) (Document, error) {
	var doc Document
	switch kind {
	case KindOrder:
		doc = &Order{}
	case KindCash:
		doc = &Cash{}
	case KindImage:
		doc = &Image{}
	case KindLocation:
		doc = &Location{}
	default:
		return nil, fmt.Errorf("unknown document kind %q", kind)
	}
	if err := json.Unmarshal(payload, doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}

	switch d := doc.(type) {
	case *Order:
		d.AccountID = accountID
	case *Cash:
		d.AccountID = accountID
	case *Image:
		d.AccountID = accountID
	case *Location:
		d.AccountID = accountID
	}
	return doc, nil
}
