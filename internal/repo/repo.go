package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"openbacklog/internal/config"
	"openbacklog/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertWorkspace(ctx context.Context, w domain.Workspace) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workspaces(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		w.ID, w.Name, w.Status, nullable(w.Description), w.CreatedAt)
	return err
}

func scanWorkspace(row *sql.Row) (domain.Workspace, error) {
	var w domain.Workspace
	var desc sql.NullString
	err := row.Scan(&w.ID, &w.Name, &w.Status, &desc, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if desc.Valid {
		w.Description = desc.String
	}
	return w, err
}

func (r Repo) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	return scanWorkspace(r.DB.QueryRowContext(ctx, `SELECT id,name,status,description,created_at FROM workspaces WHERE id=?`, id))
}

func (r Repo) SingleWorkspace(ctx context.Context) (domain.Workspace, error) {
	workspaces, err := r.ListWorkspaces(ctx)
	if err != nil {
		return domain.Workspace{}, err
	}
	if len(workspaces) == 0 {
		return domain.Workspace{}, ErrNotFound
	}
	if len(workspaces) > 1 {
		return domain.Workspace{}, fmt.Errorf("multiple workspaces exist; specify --workspace-id")
	}
	return workspaces[0], nil
}

func (r Repo) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,'') AS description,created_at FROM workspaces ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workspace
	for rows.Next() {
		var w domain.Workspace
		if err := rows.Scan(&w.ID, &w.Name, &w.Status, &w.Description, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// NextInitiativeSeq increments and returns the workspace initiative counter.
func (r Repo) NextInitiativeSeq(ctx context.Context, tx *sql.Tx, workspaceID string) (int, error) {
	return nextSeq(ctx, tx, workspaceID, "initiative_seq")
}

// NextTaskSeq increments and returns the workspace task counter.
func (r Repo) NextTaskSeq(ctx context.Context, tx *sql.Tx, workspaceID string) (int, error) {
	return nextSeq(ctx, tx, workspaceID, "task_seq")
}

func nextSeq(ctx context.Context, tx *sql.Tx, workspaceID, column string) (int, error) {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE workspaces SET %s=%s+1 WHERE id=?`, column, column), workspaceID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var seq int
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM workspaces WHERE id=?`, column), workspaceID).Scan(&seq)
	return seq, err
}

func (r Repo) UpsertWorkspaceConfig(ctx context.Context, workspaceID string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, r.DB, nil, workspaceID, cfg)
}

func (r Repo) UpsertWorkspaceConfigTx(ctx context.Context, tx *sql.Tx, workspaceID string, cfg *config.Config) error {
	return upsertWorkspaceConfig(ctx, nil, tx, workspaceID, cfg)
}

func upsertWorkspaceConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, workspaceID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Workspace.ID = workspaceID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO workspace_configs(workspace_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(workspace_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, workspaceID, string(payload), now, now)
	return err
}

func (r Repo) GetWorkspaceConfig(ctx context.Context, workspaceID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM workspace_configs WHERE workspace_id=?`, workspaceID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Workspace.ID == "" {
		cfg.Workspace.ID = workspaceID
	}
	return &cfg, cfg.Validate()
}

const initiativeColumns = `id,identifier,workspace_id,title,description,status,created_at,updated_at`

func scanInitiative(scan func(...any) error) (domain.Initiative, error) {
	var in domain.Initiative
	var desc sql.NullString
	err := scan(&in.ID, &in.Identifier, &in.WorkspaceID, &in.Title, &desc, &in.Status, &in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if desc.Valid {
		in.Description = desc.String
	}
	return in, err
}

func (r Repo) InsertInitiativeTx(ctx context.Context, tx *sql.Tx, in domain.Initiative) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO initiatives(`+initiativeColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		in.ID, in.Identifier, in.WorkspaceID, in.Title, nullable(in.Description), in.Status, in.CreatedAt, in.UpdatedAt)
	return err
}

func (r Repo) GetInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+initiativeColumns+` FROM initiatives WHERE id=?`, id)
	return scanInitiative(row.Scan)
}

func (r Repo) GetInitiativeByIdentifier(ctx context.Context, workspaceID, identifier string) (domain.Initiative, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+initiativeColumns+` FROM initiatives WHERE workspace_id=? AND identifier=?`, workspaceID, identifier)
	return scanInitiative(row.Scan)
}

type InitiativeFilters struct {
	WorkspaceID     string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListInitiatives(ctx context.Context, f InitiativeFilters) ([]domain.Initiative, error) {
	var clauses []string
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + initiativeColumns + ` FROM initiatives ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Initiative
	for rows.Next() {
		in, err := scanInitiative(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) UpdateInitiativeTx(ctx context.Context, tx *sql.Tx, in domain.Initiative) error {
	res, err := tx.ExecContext(ctx, `UPDATE initiatives SET title=?, description=?, status=?, updated_at=? WHERE id=?`,
		in.Title, nullable(in.Description), in.Status, in.UpdatedAt, in.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteInitiativeTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM initiatives WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id,identifier,initiative_id,title,description,status,created_at,updated_at`

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var desc sql.NullString
	err := scan(&t.ID, &t.Identifier, &t.InitiativeID, &t.Title, &desc, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if desc.Valid {
		t.Description = desc.String
	}
	return t, err
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Identifier, t.InitiativeID, t.Title, nullable(t.Description), t.Status, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskByIdentifier(ctx context.Context, workspaceID, identifier string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT t.id,t.identifier,t.initiative_id,t.title,t.description,t.status,t.created_at,t.updated_at
FROM tasks t JOIN initiatives i ON i.id=t.initiative_id
WHERE i.workspace_id=? AND t.identifier=?`, workspaceID, identifier)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	WorkspaceID     string
	InitiativeID    string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "i.workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.InitiativeID != "" {
		clauses = append(clauses, "t.initiative_id=?")
		args = append(args, f.InitiativeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "t.status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(t.created_at < ? OR (t.created_at = ? AND t.id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT t.id,t.identifier,t.initiative_id,t.title,t.description,t.status,t.created_at,t.updated_at
FROM tasks t JOIN initiatives i ON i.id=t.initiative_id ` + where + ` ORDER BY t.created_at ASC, t.id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, updated_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Status, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTaskTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, workspaceID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT t.status, count(*) FROM tasks t JOIN initiatives i ON i.id=t.initiative_id WHERE i.workspace_id=? GROUP BY t.status`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

const jobColumns = `id,workspace_id,status,prompt,result_json,error_message,created_at,resolved_at`

func scanJob(scan func(...any) error) (domain.ImprovementJob, error) {
	var j domain.ImprovementJob
	var prompt, result, errMsg, resolvedAt sql.NullString
	err := scan(&j.ID, &j.WorkspaceID, &j.Status, &prompt, &result, &errMsg, &j.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if prompt.Valid {
		j.Prompt = prompt.String
	}
	if result.Valid {
		j.ResultJSON = &result.String
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	if resolvedAt.Valid {
		j.ResolvedAt = &resolvedAt.String
	}
	return j, nil
}

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.ImprovementJob) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO improvement_jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		j.ID, j.WorkspaceID, j.Status, nullable(j.Prompt), nullableStringPtr(j.ResultJSON), nullableStringPtr(j.ErrorMessage), j.CreatedAt, nullableStringPtr(j.ResolvedAt))
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.ImprovementJob, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM improvement_jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

func (r Repo) ListJobs(ctx context.Context, workspaceID, status string, limit int) ([]domain.ImprovementJob, error) {
	clauses := []string{"workspace_id=?"}
	args := []any{workspaceID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + jobColumns + ` FROM improvement_jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ImprovementJob
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) UpdateJobTx(ctx context.Context, tx *sql.Tx, j domain.ImprovementJob) error {
	res, err := tx.ExecContext(ctx, `UPDATE improvement_jobs SET status=?, result_json=?, error_message=?, resolved_at=? WHERE id=?`,
		j.Status, nullableStringPtr(j.ResultJSON), nullableStringPtr(j.ErrorMessage), nullableStringPtr(j.ResolvedAt), j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteJob(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM improvement_jobs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, workspaceID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, workspaceID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, workspaceID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if workspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, workspaceID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,workspace_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, workspaceID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if workspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, workspaceID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,workspace_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var workspaceID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &workspaceID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if workspaceID.Valid {
			e.WorkspaceID = workspaceID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a workspace.
func (r Repo) LatestEventID(ctx context.Context, workspaceID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE workspace_id=?`, workspaceID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
