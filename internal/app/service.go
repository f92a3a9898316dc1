package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"huddle/api/internal/auth"
	"huddle/api/internal/broadcast"
	"huddle/api/internal/config"
	"huddle/api/internal/guard"
	"huddle/api/internal/rbac"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

const defaultTeamID = "team_default"

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

// defaultStagesByKind holds the stage sequence each meeting kind starts
// with. Keys double as the set of valid kinds.
var defaultStagesByKind = map[string][]string{
	"retrospective": {"Reflect", "Group", "Vote", "Discuss"},
	"checkin":       {"Check-in", "Updates", "Agenda"},
	"poker":         {"Scope", "Estimate"},
}

// writableFields limits which wire fields a client may patch per kind.
var writableFields = map[string]map[string]struct{}{
	"meeting": {"phase": {}, "facilitatorId": {}},
	"stage":   {"name": {}, "isComplete": {}, "dimensionId": {}},
}

type dataStore interface {
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	TeamMemberRole(ctx context.Context, teamID, userID string) (string, error)
	TeamExists(ctx context.Context, teamID string) (bool, error)
	InsertTeam(ctx context.Context, team store.Team) error
	SetTeamLastMeetingKind(ctx context.Context, teamID, kind string) error
	InsertMeeting(ctx context.Context, meeting store.Meeting) error
	DeleteMeeting(ctx context.Context, meetingID string) error
	GetMeeting(ctx context.Context, meetingID string) (store.Meeting, error)
	ListMeetings(ctx context.Context, teamID string) ([]store.Meeting, error)
	EndMeeting(ctx context.Context, meetingID string, endedAt time.Time) (bool, error)
	InsertStage(ctx context.Context, stage store.Stage) error
	GetStage(ctx context.Context, stageID string) (store.Stage, error)
	ListStages(ctx context.Context, meetingID string) ([]store.Stage, error)
	UpdateStageSortKey(ctx context.Context, stageID string, sortKey float64) error
	UpdateEntityFields(ctx context.Context, kind, id string, fields map[string]any) error
	DimensionExists(ctx context.Context, dimensionID string) (bool, error)
	InsertDimension(ctx context.Context, dimension store.Dimension) error
	Ping(ctx context.Context) error
}

type broadcaster interface {
	Publish(ctx context.Context, evt broadcast.Event) error
}

type duplicateGuard interface {
	Accept(ctx context.Context, scopeID, kind, resourceID string) (bool, error)
}

// Notifier is told about meeting starts so members not currently connected
// can be pinged. Delivery is best effort and never blocks the mutation.
type Notifier interface {
	MeetingStarted(ctx context.Context, teamID string, meeting store.Meeting)
}

type logNotifier struct{}

func (logNotifier) MeetingStarted(_ context.Context, teamID string, meeting store.Meeting) {
	log.Printf("notify: %s meeting %s started for team %s", meeting.Kind, meeting.ID, teamID)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	events   broadcaster
	guard    duplicateGuard
	notifier Notifier
}

func New(cfg config.Config, dataStore *store.PostgresStore, events *broadcast.Broadcaster, dupGuard *guard.Guard) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		events:   events,
		guard:    dupGuard,
		notifier: logNotifier{},
	}
}

func (s *Service) SetNotifier(notifier Notifier) {
	if notifier != nil {
		s.notifier = notifier
	}
}

// Bootstrap seeds the default team and estimation dimensions on first run.
func (s *Service) Bootstrap(ctx context.Context) error {
	exists, err := s.store.TeamExists(ctx, defaultTeamID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := s.store.InsertTeam(ctx, store.Team{ID: defaultTeamID, Name: "Huddle"}); err != nil {
		return err
	}

	dimensions := []store.Dimension{
		{ID: "dim_fibonacci", Name: "Fibonacci"},
		{ID: "dim_tshirt", Name: "T-Shirt Sizes"},
	}
	for _, dimension := range dimensions {
		if err := s.store.InsertDimension(ctx, dimension); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	jti := util.NewID("jti")
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.AuthSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.AuthSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// authorize resolves the viewer's team role and checks it against the
// action. Non-members get the same response as members lacking the action.
func (s *Service) authorize(ctx context.Context, teamID, userID string, action rbac.Action) error {
	role, err := s.store.TeamMemberRole(ctx, teamID, userID)
	if err != nil {
		return err
	}
	if role == "" || !rbac.Can(rbac.Normalize(role), action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// AuthorizeView reports whether the user may read the team's state.
func (s *Service) AuthorizeView(ctx context.Context, teamID, userID string) error {
	return s.authorize(ctx, teamID, userID, rbac.ActionView)
}

// StartMeeting creates a meeting with its default stages. The insert lands
// before the duplicate check so two racing starts both become visible to
// the guard; the loser deletes its own insert and reports the duplicate.
func (s *Service) StartMeeting(ctx context.Context, teamID, userID, kind, correlationID string) (broadcast.Event, error) {
	if err := s.authorize(ctx, teamID, userID, rbac.ActionStart); err != nil {
		return broadcast.Event{}, err
	}

	stageNames, ok := defaultStagesByKind[kind]
	if !ok {
		return broadcast.Event{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown meeting kind %q", kind), nil)
	}

	meeting := store.Meeting{
		ID:            util.NewID("mtg"),
		TeamID:        teamID,
		Kind:          kind,
		Phase:         stageNames[0],
		FacilitatorID: userID,
		CreatedAt:     time.Now(),
	}
	if err := s.store.InsertMeeting(ctx, meeting); err != nil {
		return broadcast.Event{}, err
	}

	accepted, err := s.guard.Accept(ctx, teamID, "meeting.start:"+kind, meeting.ID)
	if err != nil {
		s.compensateMeeting(ctx, meeting.ID)
		return broadcast.Event{}, err
	}
	if !accepted {
		s.compensateMeeting(ctx, meeting.ID)
		return broadcast.Event{}, domainError(http.StatusConflict, "DUPLICATE_ACTION", "Meeting already started", nil)
	}

	stages := make([]store.Stage, 0, len(stageNames))
	for i, name := range stageNames {
		stage := store.Stage{
			ID:        util.NewID("stg"),
			MeetingID: meeting.ID,
			Name:      name,
			SortKey:   float64(i + 1),
			CreatedAt: time.Now(),
		}
		if err := s.store.InsertStage(ctx, stage); err != nil {
			s.compensateMeeting(ctx, meeting.ID)
			return broadcast.Event{}, err
		}
		stages = append(stages, stage)
	}

	if err := s.store.SetTeamLastMeetingKind(ctx, teamID, kind); err != nil {
		log.Printf("set last meeting kind for %s: %v", teamID, err)
	}

	s.notifier.MeetingStarted(ctx, teamID, meeting)

	entities := make([]broadcast.EntityPayload, 0, len(stages)+1)
	entities = append(entities, meetingPayload(meeting))
	for _, stage := range stages {
		entities = append(entities, stagePayload(stage))
	}
	return s.publish(ctx, broadcast.Event{
		ScopeID:       teamID,
		Kind:          "meeting.started",
		CorrelationID: correlationID,
		Entities:      entities,
	}), nil
}

// compensateMeeting undoes a provisional meeting insert. Stage rows cascade.
func (s *Service) compensateMeeting(ctx context.Context, meetingID string) {
	if err := s.store.DeleteMeeting(ctx, meetingID); err != nil {
		log.Printf("compensate meeting %s: %v", meetingID, err)
	}
}

func (s *Service) EndMeeting(ctx context.Context, teamID, meetingID, userID, correlationID string) (broadcast.Event, error) {
	meeting, err := s.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return broadcast.Event{}, err
	}
	if meeting.TeamID != teamID {
		return broadcast.Event{}, sql.ErrNoRows
	}

	if meeting.FacilitatorID != userID {
		if err := s.authorize(ctx, teamID, userID, rbac.ActionEnd); err != nil {
			return broadcast.Event{}, err
		}
	}

	endedAt := time.Now()
	changed, err := s.store.EndMeeting(ctx, meetingID, endedAt)
	if err != nil {
		return broadcast.Event{}, err
	}
	if !changed {
		return broadcast.Event{}, domainError(http.StatusConflict, "MEETING_ENDED", "Meeting already ended", nil)
	}

	meeting.EndedAt = &endedAt
	return s.publish(ctx, broadcast.Event{
		ScopeID:       teamID,
		Kind:          "meeting.ended",
		CorrelationID: correlationID,
		Entities:      []broadcast.EntityPayload{meetingPayload(meeting)},
	}), nil
}

// ReorderStage persists a client-computed fractional sort key. A key
// collision within the meeting gets a deterministic nudge and a retry, so
// two clients landing on the same midpoint both succeed with distinct keys.
func (s *Service) ReorderStage(ctx context.Context, teamID, userID, meetingID, stageID string, sortKey float64, correlationID string) (broadcast.Event, error) {
	if err := s.authorize(ctx, teamID, userID, rbac.ActionReorder); err != nil {
		return broadcast.Event{}, err
	}
	if math.IsNaN(sortKey) || math.IsInf(sortKey, 0) {
		return broadcast.Event{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sortKey must be finite", nil)
	}

	stage, err := s.store.GetStage(ctx, stageID)
	if err != nil {
		return broadcast.Event{}, err
	}
	if stage.MeetingID != meetingID {
		return broadcast.Event{}, sql.ErrNoRows
	}
	meeting, err := s.store.GetMeeting(ctx, meetingID)
	if err != nil {
		return broadcast.Event{}, err
	}
	if meeting.TeamID != teamID {
		return broadcast.Event{}, sql.ErrNoRows
	}
	if meeting.EndedAt != nil {
		return broadcast.Event{}, domainError(http.StatusConflict, "MEETING_ENDED", "Meeting already ended", nil)
	}

	key := sortKey
	for attempt := 0; ; attempt++ {
		err = s.store.UpdateStageSortKey(ctx, stageID, key)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrSortKeyTaken) || attempt >= 2 {
			return broadcast.Event{}, err
		}
		key += s.cfg.SortJitter * float64(attempt+1)
	}

	stage.SortKey = key
	return s.publish(ctx, broadcast.Event{
		ScopeID:       teamID,
		Kind:          "stage.reordered",
		CorrelationID: correlationID,
		Entities:      []broadcast.EntityPayload{stagePayload(stage)},
	}), nil
}

func (s *Service) UpdateEntity(ctx context.Context, teamID, userID, kind, id string, fields map[string]any, correlationID string) (broadcast.Event, error) {
	if err := s.authorize(ctx, teamID, userID, rbac.ActionEdit); err != nil {
		return broadcast.Event{}, err
	}

	allowed, ok := writableFields[kind]
	if !ok {
		return broadcast.Event{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown entity kind %q", kind), nil)
	}
	if len(fields) == 0 {
		return broadcast.Event{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "no fields to update", nil)
	}
	for name := range fields {
		if _, ok := allowed[name]; !ok {
			return broadcast.Event{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("field %q not writable on %s", name, kind), nil)
		}
	}

	if raw, ok := fields["dimensionId"]; ok {
		dimensionID, _ := raw.(string)
		if dimensionID != "" {
			exists, err := s.store.DimensionExists(ctx, dimensionID)
			if err != nil {
				return broadcast.Event{}, err
			}
			if !exists {
				return broadcast.Event{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown dimension %q", dimensionID), nil)
			}
		}
	}

	switch kind {
	case "meeting":
		meeting, err := s.store.GetMeeting(ctx, id)
		if err != nil {
			return broadcast.Event{}, err
		}
		if meeting.TeamID != teamID {
			return broadcast.Event{}, sql.ErrNoRows
		}
	case "stage":
		stage, err := s.store.GetStage(ctx, id)
		if err != nil {
			return broadcast.Event{}, err
		}
		meeting, err := s.store.GetMeeting(ctx, stage.MeetingID)
		if err != nil {
			return broadcast.Event{}, err
		}
		if meeting.TeamID != teamID {
			return broadcast.Event{}, sql.ErrNoRows
		}
	}

	if err := s.store.UpdateEntityFields(ctx, kind, id, fields); err != nil {
		return broadcast.Event{}, err
	}

	entity, err := s.entitySnapshot(ctx, kind, id)
	if err != nil {
		return broadcast.Event{}, err
	}
	return s.publish(ctx, broadcast.Event{
		ScopeID:       teamID,
		Kind:          "entity.updated",
		CorrelationID: correlationID,
		Entities:      []broadcast.EntityPayload{entity},
	}), nil
}

// Snapshot returns every meeting and stage of a team in wire form. Clients
// seed their cache from this before subscribing to the event stream.
func (s *Service) Snapshot(ctx context.Context, teamID, userID string) (map[string]any, error) {
	if err := s.authorize(ctx, teamID, userID, rbac.ActionView); err != nil {
		return nil, err
	}

	meetings, err := s.store.ListMeetings(ctx, teamID)
	if err != nil {
		return nil, err
	}

	entities := make([]broadcast.EntityPayload, 0, len(meetings))
	for _, meeting := range meetings {
		entities = append(entities, meetingPayload(meeting))
		stages, err := s.store.ListStages(ctx, meeting.ID)
		if err != nil {
			return nil, err
		}
		for _, stage := range stages {
			entities = append(entities, stagePayload(stage))
		}
	}

	return map[string]any{
		"teamId":   teamID,
		"entities": entities,
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) entitySnapshot(ctx context.Context, kind, id string) (broadcast.EntityPayload, error) {
	switch kind {
	case "meeting":
		meeting, err := s.store.GetMeeting(ctx, id)
		if err != nil {
			return broadcast.EntityPayload{}, err
		}
		return meetingPayload(meeting), nil
	case "stage":
		stage, err := s.store.GetStage(ctx, id)
		if err != nil {
			return broadcast.EntityPayload{}, err
		}
		return stagePayload(stage), nil
	}
	return broadcast.EntityPayload{}, fmt.Errorf("unknown entity kind %q", kind)
}

// publish fans the event out and returns it. A failed publish is logged and
// swallowed: the mutation is already durable and the caller still gets the
// authoritative payload in its response.
func (s *Service) publish(ctx context.Context, evt broadcast.Event) broadcast.Event {
	if evt.ID == "" {
		evt.ID = ulid.Make().String()
	}
	if err := s.events.Publish(ctx, evt); err != nil {
		log.Printf("publish %s to %s: %v", evt.Kind, evt.ScopeID, err)
	}
	return evt
}

func meetingPayload(meeting store.Meeting) broadcast.EntityPayload {
	fields := map[string]any{
		"teamId":        meeting.TeamID,
		"kind":          meeting.Kind,
		"phase":         meeting.Phase,
		"facilitatorId": meeting.FacilitatorID,
	}
	if meeting.EndedAt != nil {
		fields["endedAt"] = meeting.EndedAt.UTC().Format(time.RFC3339)
	}
	return broadcast.EntityPayload{Kind: "meeting", ID: meeting.ID, Fields: fields}
}

func stagePayload(stage store.Stage) broadcast.EntityPayload {
	fields := map[string]any{
		"meetingId":  stage.MeetingID,
		"name":       stage.Name,
		"sortKey":    stage.SortKey,
		"isComplete": stage.IsComplete,
	}
	if stage.DimensionID != "" {
		fields["dimensionId"] = stage.DimensionID
	}
	return broadcast.EntityPayload{Kind: "stage", ID: stage.ID, Fields: fields}
}
