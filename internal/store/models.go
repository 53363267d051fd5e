// Package store persists the gateway's GORM-backed entities: configured
// links, device configuration (element dictionaries), and parsed
// telemetry records, scoped to exactly the reads and writes the link
// manager and parser need at their interfaces.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Link is the persisted counterpart of internal/link.Runtime's static
// configuration: a configured TCP endpoint, one row per link.
type Link struct {
	ID        string     `gorm:"primaryKey;size:36" json:"id"`
	Name      string     `gorm:"not null;size:255" json:"name"`
	Mode      string     `gorm:"not null;size:20" json:"mode"` // "server" | "client"
	IP        string     `gorm:"not null;size:64" json:"ip"`
	Port      uint16     `gorm:"not null" json:"port"`
	Protocol  string     `gorm:"not null;size:20;default:SL651" json:"protocol"`
	Enabled   bool       `gorm:"default:true" json:"enabled"`
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Link) TableName() string { return "links" }

// BeforeCreate assigns a uuid when the caller hasn't already set one.
func (l *Link) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

// ElementDefRow is one configured element within a device's function-code
// element list, persisted as a flat row so it can be queried and edited
// independently of the JSON blob it used to live in.
type ElementDefRow struct {
	ID         uint   `gorm:"primarykey" json:"id"`
	DeviceID   string `gorm:"not null;size:36;index:idx_element_device_func" json:"device_id"`
	FuncCode   string `gorm:"not null;size:4;index:idx_element_device_func" json:"func_code"`
	IsResponse bool   `gorm:"default:false" json:"is_response"` // response-element list vs. forward list
	ElementID  string `gorm:"not null;size:64" json:"element_id"`
	GuideHex   string `gorm:"not null;size:8" json:"guide_hex"`
	Encode     string `gorm:"not null;size:32" json:"encode"`
	Length     int    `json:"length"`
	Digits     int    `json:"digits"`
	Unit       string `gorm:"size:32" json:"unit"`
	Name       string `gorm:"size:128" json:"name"`
}

func (ElementDefRow) TableName() string { return "element_defs" }

// FuncDefRow declares one function code a device speaks: its display name
// and direction, one row per (device, funcCode). Direction drives which
// element list decodes an uplink carrying that code: "down" codes are
// center-initiated, so their uplink leg is the ack and is decoded with the
// response-element list when one is configured.
type FuncDefRow struct {
	ID        uint   `gorm:"primarykey" json:"id"`
	DeviceID  string `gorm:"not null;size:36;uniqueIndex:idx_func_device_code" json:"device_id"`
	FuncCode  string `gorm:"not null;size:4;uniqueIndex:idx_func_device_code" json:"func_code"`
	Name      string `gorm:"size:128" json:"name"`
	Direction string `gorm:"not null;size:8;default:up" json:"direction"` // "up" | "down"
}

func (FuncDefRow) TableName() string { return "func_defs" }

// Device is the persisted device configuration consumed (not owned) by the
// parser/builder: one row per device code registered on a link.
type Device struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	LinkID     string    `gorm:"not null;size:36;uniqueIndex:idx_device_link_remote" json:"link_id"`
	RemoteCode string    `gorm:"not null;size:16;uniqueIndex:idx_device_link_remote" json:"remote_code"`
	Name       string    `gorm:"size:255" json:"name"`
	Timezone   string    `gorm:"size:8;default:+08:00" json:"timezone"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Device) TableName() string { return "devices" }

func (d *Device) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// ParsedRecord is one persisted row per completed single frame or
// completed multi-packet transaction.
type ParsedRecord struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	DeviceID   string    `gorm:"not null;size:36;index" json:"device_id"`
	LinkID     string    `gorm:"not null;size:36;index" json:"link_id"`
	Protocol   string    `gorm:"not null;size:20" json:"protocol"`
	FuncCode   string    `gorm:"not null;size:4" json:"func_code"`
	Data       string    `gorm:"type:text" json:"-"` // JSON-encoded ParsedBody
	ReportTime string    `gorm:"size:64" json:"report_time"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ParsedRecord) TableName() string { return "parsed_records" }

// MarshalData encodes v (typically sl651.ParsedBody) into r.Data.
func (r *ParsedRecord) MarshalData(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.Data = string(b)
	return nil
}

// AllModels lists every GORM model this package owns, for AutoMigrate.
func AllModels() []any {
	return []any{&Link{}, &ElementDefRow{}, &FuncDefRow{}, &Device{}, &ParsedRecord{}}
}
