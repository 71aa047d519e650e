package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trigger is a chat trigger rule: a regex pattern that, when matched against an
// incoming chat line, produces either a chat reply or an overlay alert.
type Trigger struct {
	ID              string     `json:"id"`
	Pattern         string     `json:"pattern"`
	Kind            string     `json:"kind"` // "text" replies in chat; "alert" enqueues an overlay alert
	Template        string     `json:"template"`
	Enabled         bool       `json:"enabled"`
	Priority        int        `json:"priority"`
	CooldownSeconds int        `json:"cooldown_seconds"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// Asset is a media file the overlay can play (audio or visual).
type Asset struct {
	ID                 string    `json:"id"`
	ShortName          string    `json:"short_name"`
	Kind               string    `json:"kind"` // "audio" or "visual"
	FilePath           string    `json:"file_path"`
	Loopable           bool      `json:"loopable"`
	MediaLengthSeconds *float64  `json:"media_length_seconds,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// AlertDefinition binds optional audio/visual assets and a text template under a name.
type AlertDefinition struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	AudioAssetID        *string   `json:"audio_asset_id,omitempty"`
	VisualAssetID       *string   `json:"visual_asset_id,omitempty"`
	PlayDurationSeconds int       `json:"play_duration_seconds"`
	TextTemplate        string    `json:"text_template"`
	CreatedAt           time.Time `json:"created_at"`
}

// Schedule is a recurring chat announcement driven by a cron spec.
type Schedule struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	CronSpec  string    `json:"cron_spec"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// TriggerStore provides CRUD access to trigger rows.
type TriggerStore struct{ DB *sql.DB }

func (s *TriggerStore) List(ctx context.Context) ([]Trigger, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, pattern, kind, template, enabled, priority, cooldown_seconds, created_at, updated_at
		 FROM triggers ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()
	var out []Trigger
	for rows.Next() {
		var t Trigger
		if err := rows.Scan(&t.ID, &t.Pattern, &t.Kind, &t.Template, &t.Enabled, &t.Priority, &t.CooldownSeconds, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TriggerStore) Get(ctx context.Context, id string) (*Trigger, error) {
	var t Trigger
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, pattern, kind, template, enabled, priority, cooldown_seconds, created_at, updated_at
		 FROM triggers WHERE id=$1`, id).
		Scan(&t.ID, &t.Pattern, &t.Kind, &t.Template, &t.Enabled, &t.Priority, &t.CooldownSeconds, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger %s: %w", id, err)
	}
	return &t, nil
}

func (s *TriggerStore) Create(ctx context.Context, t *Trigger) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Kind == "" {
		t.Kind = "text"
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO triggers(id, pattern, kind, template, enabled, priority, cooldown_seconds)
		 VALUES($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.Pattern, t.Kind, t.Template, t.Enabled, t.Priority, t.CooldownSeconds)
	if err != nil {
		return fmt.Errorf("create trigger: %w", err)
	}
	return nil
}

func (s *TriggerStore) Update(ctx context.Context, t *Trigger) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE triggers SET pattern=$2, kind=$3, template=$4, enabled=$5, priority=$6, cooldown_seconds=$7, updated_at=NOW()
		 WHERE id=$1`,
		t.ID, t.Pattern, t.Kind, t.Template, t.Enabled, t.Priority, t.CooldownSeconds)
	if err != nil {
		return fmt.Errorf("update trigger %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *TriggerStore) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM triggers WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete trigger %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AssetStore provides CRUD access to media asset rows.
type AssetStore struct{ DB *sql.DB }

func (s *AssetStore) List(ctx context.Context) ([]Asset, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, short_name, kind, file_path, loopable, media_length_seconds, created_at
		 FROM assets ORDER BY short_name`)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()
	var out []Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.ID, &a.ShortName, &a.Kind, &a.FilePath, &a.Loopable, &a.MediaLengthSeconds, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *AssetStore) Get(ctx context.Context, id string) (*Asset, error) {
	var a Asset
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, short_name, kind, file_path, loopable, media_length_seconds, created_at
		 FROM assets WHERE id=$1`, id).
		Scan(&a.ID, &a.ShortName, &a.Kind, &a.FilePath, &a.Loopable, &a.MediaLengthSeconds, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get asset %s: %w", id, err)
	}
	return &a, nil
}

func (s *AssetStore) Create(ctx context.Context, a *Asset) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO assets(id, short_name, kind, file_path, loopable, media_length_seconds)
		 VALUES($1,$2,$3,$4,$5,$6)`,
		a.ID, a.ShortName, a.Kind, a.FilePath, a.Loopable, a.MediaLengthSeconds)
	if err != nil {
		return fmt.Errorf("create asset: %w", err)
	}
	return nil
}

func (s *AssetStore) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM assets WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete asset %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AlertStore provides CRUD access to alert definition rows.
type AlertStore struct{ DB *sql.DB }

func (s *AlertStore) List(ctx context.Context) ([]AlertDefinition, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, audio_asset_id, visual_asset_id, play_duration_seconds, text_template, created_at
		 FROM alerts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var out []AlertDefinition
	for rows.Next() {
		var a AlertDefinition
		if err := rows.Scan(&a.ID, &a.Name, &a.AudioAssetID, &a.VisualAssetID, &a.PlayDurationSeconds, &a.TextTemplate, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *AlertStore) GetByName(ctx context.Context, name string) (*AlertDefinition, error) {
	var a AlertDefinition
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, audio_asset_id, visual_asset_id, play_duration_seconds, text_template, created_at
		 FROM alerts WHERE name=$1`, name).
		Scan(&a.ID, &a.Name, &a.AudioAssetID, &a.VisualAssetID, &a.PlayDurationSeconds, &a.TextTemplate, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", name, err)
	}
	return &a, nil
}

func (s *AlertStore) Create(ctx context.Context, a *AlertDefinition) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO alerts(id, name, audio_asset_id, visual_asset_id, play_duration_seconds, text_template)
		 VALUES($1,$2,$3,$4,$5,$6)`,
		a.ID, a.Name, a.AudioAssetID, a.VisualAssetID, a.PlayDurationSeconds, a.TextTemplate)
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

func (s *AlertStore) Update(ctx context.Context, a *AlertDefinition) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE alerts SET name=$2, audio_asset_id=$3, visual_asset_id=$4, play_duration_seconds=$5, text_template=$6
		 WHERE id=$1`,
		a.ID, a.Name, a.AudioAssetID, a.VisualAssetID, a.PlayDurationSeconds, a.TextTemplate)
	if err != nil {
		return fmt.Errorf("update alert %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *AlertStore) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM alerts WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ScheduleStore provides CRUD access to scheduled announcement rows.
type ScheduleStore struct{ DB *sql.DB }

func (s *ScheduleStore) List(ctx context.Context) ([]Schedule, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, message, cron_spec, enabled, created_at FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(&sc.ID, &sc.Message, &sc.CronSpec, &sc.Enabled, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *ScheduleStore) Create(ctx context.Context, sc *Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO schedules(id, message, cron_spec, enabled) VALUES($1,$2,$3,$4)`,
		sc.ID, sc.Message, sc.CronSpec, sc.Enabled)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (s *ScheduleStore) Update(ctx context.Context, sc *Schedule) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE schedules SET message=$2, cron_spec=$3, enabled=$4 WHERE id=$1`,
		sc.ID, sc.Message, sc.CronSpec, sc.Enabled)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", sc.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
