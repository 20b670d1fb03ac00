// Package persistence provides the optional external stores: a PostgreSQL
// index of detection activity and evidence segments, and a Redis status
// cache. Both are advisory — the pipeline runs unchanged without them.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/bayusegara27/secure-edge-vision/pkg/engine"
	"github.com/bayusegara27/secure-edge-vision/pkg/logging"
)

// PostgresConfig holds database connection settings
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// EventStore indexes detection events and evidence fingerprints in
// PostgreSQL so incidents can be queried without decrypting containers.
type EventStore struct {
	db  *sql.DB
	log *logging.Logger
}

// NewEventStore connects to PostgreSQL and initializes the schema.
func NewEventStore(config PostgresConfig, log *logging.Logger) (*EventStore, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host,
		config.Port,
		config.User,
		config.Password,
		config.DBName,
		config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &EventStore{db: db, log: log}

	if err := store.InitSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Infof("PostgreSQL event index connected")
	return store, nil
}

// InitSchema creates necessary tables if they don't exist
func (es *EventStore) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS detection_events (
		id BIGSERIAL PRIMARY KEY,
		camera_index INTEGER NOT NULL,
		camera_tag VARCHAR(64) NOT NULL,
		ts TIMESTAMP NOT NULL,
		detection_count INTEGER NOT NULL,
		max_confidence REAL NOT NULL,
		created_at TIMESTAMP DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_detection_events_camera ON detection_events(camera_tag);
	CREATE INDEX IF NOT EXISTS idx_detection_events_ts ON detection_events(ts);

	CREATE TABLE IF NOT EXISTS evidence_segments (
		file VARCHAR(255) PRIMARY KEY,
		camera_tag VARCHAR(64) NOT NULL,
		sha256 CHAR(64) NOT NULL,
		frame_count INTEGER NOT NULL,
		total_detections INTEGER NOT NULL,
		start_ts DOUBLE PRECISION NOT NULL,
		end_ts DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMP DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_evidence_segments_camera ON evidence_segments(camera_tag);
	CREATE INDEX IF NOT EXISTS idx_evidence_segments_start ON evidence_segments(start_ts);
	`

	_, err := es.db.Exec(schema)
	return err
}

// PublishDetection stores one detection event.
func (es *EventStore) PublishDetection(ctx context.Context, ev engine.DetectionEvent) error {
	query := `
		INSERT INTO detection_events (camera_index, camera_tag, ts, detection_count, max_confidence)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := es.db.ExecContext(ctx, query,
		ev.CameraIndex,
		ev.CameraTag,
		ev.TS,
		ev.Count,
		ev.MaxConfidence,
	)

	return err
}

// PublishEvidence records a written evidence container and its
// fingerprint for chain-of-custody lookups.
func (es *EventStore) PublishEvidence(ctx context.Context, ev engine.EvidenceEvent) error {
	query := `
		INSERT INTO evidence_segments (file, camera_tag, sha256, frame_count, total_detections, start_ts, end_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (file) DO NOTHING
	`

	_, err := es.db.ExecContext(ctx, query,
		ev.File,
		ev.CameraTag,
		ev.SHA256,
		ev.Meta.FrameCount,
		ev.Meta.TotalDetections,
		ev.Meta.StartTS,
		ev.Meta.EndTS,
	)

	return err
}

// DeleteEventsBefore removes detection events older than the cutoff,
// mirroring the janitor's FIFO policy for on-disk artifacts.
func (es *EventStore) DeleteEventsBefore(cutoff time.Time) (int, error) {
	result, err := es.db.Exec(`DELETE FROM detection_events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}

	rowsAffected, err := result.RowsAffected()
	return int(rowsAffected), err
}

// Stats returns index statistics for the status surface.
func (es *EventStore) Stats() (map[string]interface{}, error) {
	var events, segments int

	es.db.QueryRow("SELECT COUNT(*) FROM detection_events").Scan(&events)
	es.db.QueryRow("SELECT COUNT(*) FROM evidence_segments").Scan(&segments)

	return map[string]interface{}{
		"detection_events":  events,
		"evidence_segments": segments,
	}, nil
}

// Close closes the database connection
func (es *EventStore) Close() error {
	es.log.Infof("closing PostgreSQL event index")
	return es.db.Close()
}
