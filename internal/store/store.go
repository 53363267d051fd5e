package store

import (
	"context"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/hyird/iot-manager-sub001/internal/sl651"
	"github.com/hyird/iot-manager-sub001/internal/txn"
)

// DatabaseType selects the backing SQL engine: sqlite for local/dev,
// postgres for a real deployment.
type DatabaseType string

const (
	DatabaseTypeSQLite   DatabaseType = "sqlite"
	DatabaseTypePostgres DatabaseType = "postgres"
)

// Config selects and configures the backing database.
type Config struct {
	Type         DatabaseType
	SQLitePath   string
	PostgresDSN  string
	MaxOpenConns int
	MaxIdleConns int
}

// Store wraps a *gorm.DB with the gateway's repository operations. All
// core packages reach persistence only through Store's methods; apart from
// internal/txn, whose Guard wraps a gorm transaction, nothing outside this
// package imports gorm directly, so the relational schema
// never leaks into the protocol or link-management code.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database, runs AutoMigrate for every
// model this package owns, and returns a ready Store.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case DatabaseTypePostgres:
		dialector = postgres.Open(cfg.PostgresDSN)
	case DatabaseTypeSQLite, "":
		path := cfg.SQLitePath
		if path == "" {
			path = "sl651gw.db"
		}
		dialector = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("store: unknown database type %q", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if cfg.Type == DatabaseTypePostgres {
		sqlDB, err := db.DB()
		if err == nil {
			if cfg.MaxOpenConns > 0 {
				sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
			}
			if cfg.MaxIdleConns > 0 {
				sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
			}
		}
	}

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("store: automigrate: %w", err)
	}

	return &Store{db: db}, nil
}

// DB returns the underlying *gorm.DB, used by the tests to inspect raw
// state; BeginGuard opens transaction guards on it directly.
func (s *Store) DB() *gorm.DB { return s.db }

// BeginGuard opens a new transaction guard against the store's database.
func (s *Store) BeginGuard(ctx context.Context) (*txn.Guard, error) {
	return txn.Create(ctx, s.db)
}

// ListLinks returns every non-deleted configured link.
func (s *Store) ListLinks(ctx context.Context) ([]Link, error) {
	var links []Link
	err := s.db.WithContext(ctx).Where("deleted_at IS NULL").Find(&links).Error
	return links, err
}

// GetLink returns one link by id.
func (s *Store) GetLink(ctx context.Context, id string) (*Link, error) {
	var link Link
	err := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", id).First(&link).Error
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// GetDeviceConfig resolves the sl651.DeviceConfig for the device
// registered on linkID under remoteCode, the function the SL651 parser
// calls on every frame to decode its elements. ok is false when no such
// device is registered.
func (s *Store) GetDeviceConfig(linkID, remoteCode string) (*sl651.DeviceConfig, bool) {
	var device Device
	if err := s.db.Where("link_id = ? AND remote_code = ?", linkID, remoteCode).First(&device).Error; err != nil {
		return nil, false
	}

	var rows []ElementDefRow
	if err := s.db.Where("device_id = ?", device.ID).Find(&rows).Error; err != nil {
		return nil, false
	}
	var funcs []FuncDefRow
	if err := s.db.Where("device_id = ?", device.ID).Find(&funcs).Error; err != nil {
		return nil, false
	}

	cfg := &sl651.DeviceConfig{
		DeviceID:               device.ID,
		Timezone:               device.Timezone,
		ElementsByFunc:         make(map[string][]sl651.ElementDef),
		ResponseElementsByFunc: make(map[string][]sl651.ElementDef),
		FuncNames:              make(map[string]string),
		FuncDirections:         make(map[string]sl651.Direction),
	}
	for _, fd := range funcs {
		if fd.Name != "" {
			cfg.FuncNames[fd.FuncCode] = fd.Name
		}
		cfg.FuncDirections[fd.FuncCode] = parseDirection(fd.Direction)
	}
	for _, row := range rows {
		def := sl651.ElementDef{
			ID:       row.ElementID,
			GuideHex: row.GuideHex,
			Encode:   parseEncode(row.Encode),
			Length:   row.Length,
			Digits:   row.Digits,
			Unit:     row.Unit,
			Name:     row.Name,
		}
		if row.IsResponse {
			cfg.ResponseElementsByFunc[row.FuncCode] = append(cfg.ResponseElementsByFunc[row.FuncCode], def)
			// A response-element list only exists for center-initiated
			// codes; treat an undeclared one as down so its rows are not
			// silently dead.
			if _, declared := cfg.FuncDirections[row.FuncCode]; !declared {
				cfg.FuncDirections[row.FuncCode] = sl651.Down
			}
		} else {
			cfg.ElementsByFunc[row.FuncCode] = append(cfg.ElementsByFunc[row.FuncCode], def)
		}
	}
	return cfg, true
}

func parseDirection(s string) sl651.Direction {
	if s == "down" {
		return sl651.Down
	}
	return sl651.Up
}

func parseEncode(s string) sl651.Encode {
	switch s {
	case "TIME_YYMMDDHHMMSS":
		return sl651.EncodeTimeYYMMDDHHMMSS
	case "JPEG":
		return sl651.EncodeJPEG
	case "DICT":
		return sl651.EncodeDict
	case "HEX":
		return sl651.EncodeHex
	default:
		return sl651.EncodeBCD
	}
}

// InsertParsedRecord persists result inside guard and returns the assigned
// row id, which the caller correlates into any pending command-response.
func InsertParsedRecord(guard *txn.Guard, result *sl651.ParsedFrameResult) (uint, error) {
	record := &ParsedRecord{
		DeviceID:   result.DeviceID,
		LinkID:     result.LinkID,
		Protocol:   result.Protocol,
		FuncCode:   result.FuncCode,
		ReportTime: result.ReportTime,
	}
	if err := record.MarshalData(result.Body); err != nil {
		return 0, err
	}
	return guard.CreateRecord(record)
}
