package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrSortKeyTaken is returned when a stage update would persist a sort key
// already held by another stage of the same meeting.
var ErrSortKeyTaken = errors.New("sort key already taken")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, created_at FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (display_name)
		VALUES ($1)
		RETURNING id, display_name, created_at
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO team_members (team_id, user_id, role)
		VALUES ('team_default', $1, 'member')
		ON CONFLICT (team_id, user_id) DO NOTHING
	`, user.ID); err != nil {
		return User{}, fmt.Errorf("upsert membership: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// TeamMemberRole returns the caller's role on the team, or "" when the
// caller is not a member.
func (s *PostgresStore) TeamMemberRole(ctx context.Context, teamID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM team_members WHERE team_id=$1 AND user_id=$2`, teamID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read team role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) TeamExists(ctx context.Context, teamID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM teams WHERE id=$1)`, teamID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check team: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertTeam(ctx context.Context, team Team) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO teams (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, team.ID, team.Name)
	if err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTeamLastMeetingKind(ctx context.Context, teamID, kind string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE teams SET last_meeting_kind=$2 WHERE id=$1`, teamID, kind)
	if err != nil {
		return fmt.Errorf("update team last meeting kind: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertMeeting(ctx context.Context, meeting Meeting) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meetings (id, team_id, kind, phase, facilitator_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, meeting.ID, meeting.TeamID, meeting.Kind, meeting.Phase, meeting.FacilitatorID, meeting.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert meeting: %w", err)
	}
	return nil
}

// DeleteMeeting removes a meeting and, via cascade, its stages. Used to
// compensate a partially persisted start that the idempotency guard rejected.
func (s *PostgresStore) DeleteMeeting(ctx context.Context, meetingID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM meetings WHERE id=$1`, meetingID)
	if err != nil {
		return fmt.Errorf("delete meeting: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMeeting(ctx context.Context, meetingID string) (Meeting, error) {
	var meeting Meeting
	err := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, kind, phase, facilitator_id, created_at, ended_at
		FROM meetings WHERE id=$1
	`, meetingID).Scan(&meeting.ID, &meeting.TeamID, &meeting.Kind, &meeting.Phase, &meeting.FacilitatorID, &meeting.CreatedAt, &meeting.EndedAt)
	if err != nil {
		return Meeting{}, err
	}
	return meeting, nil
}

func (s *PostgresStore) ListMeetings(ctx context.Context, teamID string) ([]Meeting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, kind, phase, facilitator_id, created_at, ended_at
		FROM meetings WHERE team_id=$1
		ORDER BY created_at
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()

	var meetings []Meeting
	for rows.Next() {
		var meeting Meeting
		if err := rows.Scan(&meeting.ID, &meeting.TeamID, &meeting.Kind, &meeting.Phase, &meeting.FacilitatorID, &meeting.CreatedAt, &meeting.EndedAt); err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		meetings = append(meetings, meeting)
	}
	return meetings, rows.Err()
}

// RecentMeetingIDs returns ids of meetings of the given kind created in the
// team at or after since. Backs the idempotency guard's duplicate window.
func (s *PostgresStore) RecentMeetingIDs(ctx context.Context, teamID, kind string, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM meetings
		WHERE team_id=$1 AND kind=$2 AND ended_at IS NULL AND created_at >= $3
		ORDER BY created_at, id
	`, teamID, kind, since)
	if err != nil {
		return nil, fmt.Errorf("list recent meetings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan meeting id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecentResourceIDs adapts the meetings table to the duplicate guard's
// restart check. Only meeting starts leave durable rows to consult.
func (s *PostgresStore) RecentResourceIDs(ctx context.Context, scopeID, kind string, since time.Time) ([]string, error) {
	const prefix = "meeting.start:"
	if !strings.HasPrefix(kind, prefix) {
		return nil, nil
	}
	return s.RecentMeetingIDs(ctx, scopeID, strings.TrimPrefix(kind, prefix), since)
}

func (s *PostgresStore) EndMeeting(ctx context.Context, meetingID string, endedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE meetings SET phase='ended', ended_at=$2
		WHERE id=$1 AND ended_at IS NULL
	`, meetingID, endedAt)
	if err != nil {
		return false, fmt.Errorf("end meeting: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("end meeting result: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertStage(ctx context.Context, stage Stage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stages (id, meeting_id, name, sort_key, is_complete, dimension_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`, stage.ID, stage.MeetingID, stage.Name, stage.SortKey, stage.IsComplete, stage.DimensionID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSortKeyTaken
		}
		return fmt.Errorf("insert stage: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStage(ctx context.Context, stageID string) (Stage, error) {
	var stage Stage
	var dimensionID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, meeting_id, name, sort_key, is_complete, dimension_id, created_at
		FROM stages WHERE id=$1
	`, stageID).Scan(&stage.ID, &stage.MeetingID, &stage.Name, &stage.SortKey, &stage.IsComplete, &dimensionID, &stage.CreatedAt)
	if err != nil {
		return Stage{}, err
	}
	stage.DimensionID = dimensionID.String
	return stage, nil
}

func (s *PostgresStore) ListStages(ctx context.Context, meetingID string) ([]Stage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, meeting_id, name, sort_key, is_complete, dimension_id, created_at
		FROM stages WHERE meeting_id=$1
		ORDER BY sort_key
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	var stages []Stage
	for rows.Next() {
		var stage Stage
		var dimensionID sql.NullString
		if err := rows.Scan(&stage.ID, &stage.MeetingID, &stage.Name, &stage.SortKey, &stage.IsComplete, &dimensionID, &stage.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		stage.DimensionID = dimensionID.String
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

// UpdateStageSortKey persists a new fractional key. The partial unique index
// on (meeting_id, sort_key) makes two equal persisted keys impossible; a
// collision surfaces as ErrSortKeyTaken for the caller to nudge and retry.
func (s *PostgresStore) UpdateStageSortKey(ctx context.Context, stageID string, sortKey float64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE stages SET sort_key=$2 WHERE id=$1`, stageID, sortKey)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSortKeyTaken
		}
		return fmt.Errorf("update stage sort key: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update stage sort key result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// entityColumns maps an entity kind's wire field names onto its table
// columns. Only listed fields are ever written.
var entityColumns = map[string]struct {
	table   string
	columns map[string]string
}{
	"meeting": {
		table: "meetings",
		columns: map[string]string{
			"phase":         "phase",
			"facilitatorId": "facilitator_id",
		},
	},
	"stage": {
		table: "stages",
		columns: map[string]string{
			"name":        "name",
			"isComplete":  "is_complete",
			"dimensionId": "dimension_id",
		},
	},
}

// UpdateEntityFields writes the given wire fields for one entity. Unknown
// kinds or fields are a programming error on the caller's side and rejected.
func (s *PostgresStore) UpdateEntityFields(ctx context.Context, kind, id string, fields map[string]any) error {
	mapping, ok := entityColumns[kind]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", kind)
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, ok := mapping.columns[name]; !ok {
			return fmt.Errorf("field %q not writable on %s", name, kind)
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return fmt.Errorf("no fields to update")
	}
	sort.Strings(names)

	query := "UPDATE " + mapping.table + " SET "
	args := make([]any, 0, len(names)+1)
	for i, name := range names {
		if i > 0 {
			query += ", "
		}
		query += fmt.Sprintf("%s=$%d", mapping.columns[name], i+1)
		args = append(args, fields[name])
	}
	query += fmt.Sprintf(" WHERE id=$%d", len(names)+1)
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s fields: %w", kind, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s result: %w", kind, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DimensionExists(ctx context.Context, dimensionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM dimensions WHERE id=$1)`, dimensionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check dimension: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertDimension(ctx context.Context, dimension Dimension) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dimensions (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, dimension.ID, dimension.Name)
	if err != nil {
		return fmt.Errorf("insert dimension: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
