package store

import (
	"database/sql"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/bluetooth"
)

const (
	keyDeviceName       = "device_name"
	keyDeviceAddress    = "device_address"
	keyServiceUUID      = "service_uuid"
	keyRxUUID           = "rx_uuid"
	keyOngoingIndicator = "ongoing_indicator"
	keyForwarding       = "forwarding_enabled"
	keySourcePackage    = "source_package"
	keyLastTxPower      = "last_tx_power"
	keyCustomTxPower    = "custom_tx_power"

	counterPassCount = "pass_count"
)

// Config is the persisted bridge configuration.
type Config struct {
	bluetooth.PagerConfig
	OngoingIndicator bool   `json:"ongoingIndicator"`
	LastTxPower      int    `json:"lastTxPower"`
	CustomTxPower    string `json:"customTxPower"`
}

// DefaultConfig returns the factory configuration.
func DefaultConfig() Config {
	return Config{
		PagerConfig:      bluetooth.DefaultPagerConfig(),
		OngoingIndicator: true,
	}
}

// Validate checks identifiers and trims string fields in place.
func (c *Config) Validate() error {
	c.DeviceName = strings.TrimSpace(c.DeviceName)
	c.DeviceAddress = strings.ToUpper(strings.TrimSpace(c.DeviceAddress))
	c.SourcePackage = strings.TrimSpace(c.SourcePackage)
	c.CustomTxPower = strings.TrimSpace(c.CustomTxPower)

	if c.DeviceAddress != "" {
		if _, err := net.ParseMAC(c.DeviceAddress); err != nil {
			return errors.Wrapf(err, "device address %q", c.DeviceAddress)
		}
	}
	for name, field := range map[string]*string{"service uuid": &c.ServiceUUID, "rx uuid": &c.RxUUID} {
		id, err := uuid.Parse(strings.TrimSpace(*field))
		if err != nil {
			return errors.Wrapf(err, "%s %q", name, *field)
		}
		*field = id.String()
	}
	if !bluetooth.ValidTxPower(c.LastTxPower) {
		return errors.Errorf("unsupported tx power %d dBm", c.LastTxPower)
	}
	return nil
}

// Store is the bridge's persistence layer. It implements
// bluetooth.ConfigProvider and bluetooth.Activity.
type Store struct {
	db     *DB
	log    *ActivityLog
	logger *zap.Logger

	mu       sync.RWMutex
	onAppend func(LogEntry)
}

func New(db *DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		log:    NewActivityLog(),
		logger: logger.Named("store"),
	}
}

// OpenStore opens and migrates the database at path.
func OpenStore(path string, logger *zap.Logger) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db, logger), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ActivityLog exposes the transient log.
func (s *Store) ActivityLog() *ActivityLog {
	return s.log
}

// OnAppend registers a listener for new log entries.
func (s *Store) OnAppend(fn func(LogEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAppend = fn
}

// Config loads the configuration, falling back to defaults for unset keys.
func (s *Store) Config() (Config, error) {
	values, err := s.settings()
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	str := func(key string, dst *string) {
		if v, ok := values[key]; ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := values[key]; ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	str(keyDeviceName, &cfg.DeviceName)
	str(keyDeviceAddress, &cfg.DeviceAddress)
	str(keyServiceUUID, &cfg.ServiceUUID)
	str(keyRxUUID, &cfg.RxUUID)
	str(keySourcePackage, &cfg.SourcePackage)
	str(keyCustomTxPower, &cfg.CustomTxPower)
	boolean(keyOngoingIndicator, &cfg.OngoingIndicator)
	boolean(keyForwarding, &cfg.ForwardingEnabled)
	if v, ok := values[keyLastTxPower]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LastTxPower = n
		}
	}
	return cfg, nil
}

// PagerConfig implements bluetooth.ConfigProvider.
func (s *Store) PagerConfig() (bluetooth.PagerConfig, error) {
	cfg, err := s.Config()
	if err != nil {
		return bluetooth.PagerConfig{}, err
	}
	return cfg.PagerConfig, nil
}

// SaveConfig validates and persists cfg.
func (s *Store) SaveConfig(cfg Config) (Config, error) {
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	err := s.putSettings(map[string]string{
		keyDeviceName:       cfg.DeviceName,
		keyDeviceAddress:    cfg.DeviceAddress,
		keyServiceUUID:      cfg.ServiceUUID,
		keyRxUUID:           cfg.RxUUID,
		keySourcePackage:    cfg.SourcePackage,
		keyCustomTxPower:    cfg.CustomTxPower,
		keyOngoingIndicator: strconv.FormatBool(cfg.OngoingIndicator),
		keyForwarding:       strconv.FormatBool(cfg.ForwardingEnabled),
		keyLastTxPower:      strconv.Itoa(cfg.LastTxPower),
	})
	if err != nil {
		return Config{}, err
	}
	s.logger.Info("Config saved",
		zap.String("name", cfg.DeviceName),
		zap.String("address", cfg.DeviceAddress),
		zap.Bool("forwarding", cfg.ForwardingEnabled))
	return cfg, nil
}

// SetTxPower records dbm as the last applied and custom transmit power.
func (s *Store) SetTxPower(dbm int) error {
	if !bluetooth.ValidTxPower(dbm) {
		return errors.Errorf("unsupported tx power %d dBm", dbm)
	}
	return s.putSettings(map[string]string{
		keyLastTxPower:   strconv.Itoa(dbm),
		keyCustomTxPower: strconv.Itoa(dbm),
	})
}

// StopBridge disables forwarding and the ongoing indicator.
func (s *Store) StopBridge() error {
	return s.putSettings(map[string]string{
		keyForwarding:       "false",
		keyOngoingIndicator: "false",
	})
}

func (s *Store) settings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, errors.Wrap(err, "store: load settings")
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "store: scan setting")
		}
		values[k] = v
	}
	return values, errors.Wrap(rows.Err(), "store: load settings")
}

func (s *Store) putSettings(values map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "store: begin")
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for k, v := range values {
		_, err := tx.Exec(`
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, v, now)
		if err != nil {
			return errors.Wrapf(err, "store: put %s", k)
		}
	}
	return errors.Wrap(tx.Commit(), "store: commit settings")
}

// PassCount returns the number of messages the pager queued.
func (s *Store) PassCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT value FROM counters WHERE name = ?`, counterPassCount).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, errors.Wrap(err, "store: read pass count")
}

// IncrementPassCount implements bluetooth.Activity.
func (s *Store) IncrementPassCount() (int, error) {
	var n int
	err := s.db.QueryRow(`
		INSERT INTO counters (name, value, updated_at) VALUES (?, 1, ?)
		ON CONFLICT(name) DO UPDATE SET value = value + 1, updated_at = excluded.updated_at
		RETURNING value`,
		counterPassCount, time.Now().Unix()).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "store: increment pass count")
	}
	return n, nil
}

func (s *Store) ResetPassCount() error {
	_, err := s.db.Exec(`
		INSERT INTO counters (name, value, updated_at) VALUES (?, 0, ?)
		ON CONFLICT(name) DO UPDATE SET value = 0, updated_at = excluded.updated_at`,
		counterPassCount, time.Now().Unix())
	return errors.Wrap(err, "store: reset pass count")
}

// AppendLog implements bluetooth.Activity.
func (s *Store) AppendLog(line string) {
	entry := s.log.Append(line)
	s.mu.RLock()
	fn := s.onAppend
	s.mu.RUnlock()
	if fn != nil {
		fn(entry)
	}
}

// ClearLogs empties the activity log and resets the pass counter.
func (s *Store) ClearLogs() error {
	s.log.Clear()
	return s.ResetPassCount()
}
