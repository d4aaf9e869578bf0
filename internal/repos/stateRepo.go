package repos

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/wheelibin/goveed/internal/models"
)

const initSchema = `
  CREATE TABLE IF NOT EXISTS device (
    id TEXT PRIMARY KEY,
    sku TEXT,
    name TEXT,
    type TEXT,
    is_group INTEGER,
    capabilities TEXT,
    discovered_at TIMESTAMP
  );

  CREATE TABLE IF NOT EXISTS device_state (
    device_id TEXT PRIMARY KEY,
    snapshot TEXT,
    updated_at TIMESTAMP
  );

  CREATE TABLE IF NOT EXISTS state_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id TEXT,
    snapshot TEXT,
    recorded_at TIMESTAMP
  );

  CREATE INDEX IF NOT EXISTS idx_state_history_device ON state_history (device_id, id);
`

type StateRepo struct {
	logger       *log.Logger
	db           *sql.DB
	historyLimit int
}

func NewStateRepo(logger *log.Logger, db *sql.DB, historyLimit int) (*StateRepo, error) {
	_, err := db.Exec(initSchema)
	if err != nil {
		return nil, fmt.Errorf("Error initialising state schema: %w", err)
	}

	return &StateRepo{logger: logger, db: db, historyLimit: historyLimit}, nil
}

// SaveDevices replaces the persisted catalog
func (r *StateRepo) SaveDevices(devices []models.Device) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("Error saving devices: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM device"); err != nil {
		return fmt.Errorf("Error clearing devices: %w", err)
	}

	now := time.Now()
	for _, d := range devices {
		capabilities, err := json.Marshal(d.Capabilities)
		if err != nil {
			return fmt.Errorf("Error encoding capabilities for device (%s): %w", d.ID, err)
		}
		_, err = tx.Exec(
			`INSERT INTO device (id, sku, name, type, is_group, capabilities, discovered_at)
       VALUES ($1, $2, $3, $4, $5, $6, $7);`,
			d.ID, d.SKU, d.Name, d.Type, d.IsGroup, string(capabilities), now,
		)
		if err != nil {
			return fmt.Errorf("Error adding device (%s): %w", d.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Error saving devices: %w", err)
	}
	return nil
}

func (r *StateRepo) LoadDevices() ([]models.Device, error) {
	rows, err := r.db.Query("SELECT id, sku, name, type, is_group, capabilities FROM device ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("Error loading devices: %w", err)
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		d := models.Device{}
		var capabilities string
		if err := rows.Scan(&d.ID, &d.SKU, &d.Name, &d.Type, &d.IsGroup, &capabilities); err != nil {
			return nil, fmt.Errorf("Error reading device: %w", err)
		}
		if err := json.Unmarshal([]byte(capabilities), &d.Capabilities); err != nil {
			return nil, fmt.Errorf("Error decoding capabilities for device (%s): %w", d.ID, err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// SaveSnapshot stores the latest snapshot and appends it to the bounded history
func (r *StateRepo) SaveSnapshot(state *models.DeviceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("Error encoding state for device (%s): %w", state.DeviceID, err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("Error saving state for device (%s): %w", state.DeviceID, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO device_state (device_id, snapshot, updated_at) VALUES ($1, $2, $3)
     ON CONFLICT(device_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at;`,
		state.DeviceID, string(data), state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Error saving state for device (%s): %w", state.DeviceID, err)
	}

	if r.historyLimit > 0 {
		_, err = tx.Exec(
			"INSERT INTO state_history (device_id, snapshot, recorded_at) VALUES ($1, $2, $3)",
			state.DeviceID, string(data), state.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("Error recording history for device (%s): %w", state.DeviceID, err)
		}
		_, err = tx.Exec(
			`DELETE FROM state_history WHERE device_id = $1 AND id NOT IN
       (SELECT id FROM state_history WHERE device_id = $1 ORDER BY id DESC LIMIT $2)`,
			state.DeviceID, r.historyLimit,
		)
		if err != nil {
			return fmt.Errorf("Error trimming history for device (%s): %w", state.DeviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Error saving state for device (%s): %w", state.DeviceID, err)
	}
	return nil
}

// LoadSnapshots returns the last stored snapshot of every device
func (r *StateRepo) LoadSnapshots() ([]*models.DeviceState, error) {
	rows, err := r.db.Query("SELECT snapshot FROM device_state ORDER BY device_id")
	if err != nil {
		return nil, fmt.Errorf("Error loading states: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// History returns up to limit snapshots of a device, newest first
func (r *StateRepo) History(deviceID string, limit int) ([]*models.DeviceState, error) {
	rows, err := r.db.Query(
		"SELECT snapshot FROM state_history WHERE device_id = $1 ORDER BY id DESC LIMIT $2",
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("Error loading history for device (%s): %w", deviceID, err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

func scanSnapshots(rows *sql.Rows) ([]*models.DeviceState, error) {
	states := []*models.DeviceState{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("Error reading state: %w", err)
		}
		state := &models.DeviceState{}
		if err := json.Unmarshal([]byte(data), state); err != nil {
			return nil, fmt.Errorf("Error decoding state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

type snapshotSaver interface {
	SaveSnapshot(state *models.DeviceState) error
}

// Recorder persists published snapshots off the publishing goroutine
type Recorder struct {
	logger *log.Logger
	repo   snapshotSaver
	queue  chan *models.DeviceState
}

func NewRecorder(logger *log.Logger, repo snapshotSaver) *Recorder {
	return &Recorder{logger: logger, repo: repo, queue: make(chan *models.DeviceState, 256)}
}

// StateChanged queues a snapshot. When the queue is full the snapshot is dropped;
// a later snapshot of the same device supersedes it.
func (rec *Recorder) StateChanged(state *models.DeviceState) {
	select {
	case rec.queue <- state:
	default:
		rec.logger.Warn("state recorder queue full, dropping snapshot", "device", state.DeviceID)
	}
}

// Run writes queued snapshots until ctx is cancelled, then drains the queue
func (rec *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case state := <-rec.queue:
					rec.save(state)
				default:
					return
				}
			}
		case state := <-rec.queue:
			rec.save(state)
		}
	}
}

func (rec *Recorder) save(state *models.DeviceState) {
	if err := rec.repo.SaveSnapshot(state); err != nil {
		rec.logger.Error("failed to persist state", "device", state.DeviceID, "err", err)
	}
}
