package domain

type Workspace struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Initiative struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	WorkspaceID string `json:"workspace_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"backlog,active,archived"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID           string `json:"id"`
	Identifier   string `json:"identifier"`
	InitiativeID string `json:"initiative_id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Status       string `json:"status" enum:"todo,in_progress,done,canceled"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// ImprovementJob is one AI improvement run over the backlog. ResultJSON holds
// the raw managed_initiatives/managed_tasks payload produced by the model.
type ImprovementJob struct {
	ID           string  `json:"id"`
	WorkspaceID  string  `json:"workspace_id"`
	Status       string  `json:"status" enum:"pending,completed,resolved,failed"`
	Prompt       string  `json:"prompt,omitempty"`
	ResultJSON   *string `json:"result_json,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	ResolvedAt   *string `json:"resolved_at,omitempty" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
