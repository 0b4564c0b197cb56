package suggestion

import "fmt"

const (
	fieldTitle       = "title"
	fieldDescription = "description"
)

// Normalize flattens an improvement job result into a deterministic,
// path-addressed suggestion set. Standalone task improvements are folded into
// an initiative-level improvement for their parent first, so every task change
// lives under its parent initiative's path namespace.
func Normalize(result JobResult, snap Snapshot) (*Set, error) {
	improvements, err := mergeImprovements(result, snap)
	if err != nil {
		return nil, err
	}
	set := NewSet()
	for _, imp := range improvements {
		emitInitiative(set, imp, snap)
	}
	return set, nil
}

// mergeImprovements assigns synthetic identifiers to new initiatives and folds
// each standalone task improvement into the improvement for its parent
// initiative, synthesizing an UPDATE improvement when none exists yet.
func mergeImprovements(result JobResult, snap Snapshot) ([]ManagedInitiative, error) {
	improvements := make([]ManagedInitiative, len(result.ManagedInitiatives))
	index := map[string]int{}
	newN := 0
	for i, imp := range result.ManagedInitiatives {
		if imp.Action == ActionCreate && imp.Identifier == "" {
			imp.Identifier = fmt.Sprintf("new-%d", newN)
			newN++
		}
		imp.Tasks = append([]ManagedTask(nil), imp.Tasks...)
		improvements[i] = imp
		index[imp.Identifier] = i
	}
	for _, task := range result.ManagedTasks {
		parent, err := parentIdentifier(task, index, snap)
		if err != nil {
			return nil, err
		}
		if i, ok := index[parent]; ok {
			improvements[i].Tasks = append(improvements[i].Tasks, task)
			continue
		}
		improvements = append(improvements, ManagedInitiative{
			Action:     ActionUpdate,
			Identifier: parent,
			Tasks:      []ManagedTask{task},
		})
		index[parent] = len(improvements) - 1
	}
	return improvements, nil
}

// parentIdentifier resolves the initiative a standalone task change belongs
// to. New tasks name their parent explicitly; updates and deletes are resolved
// through the live task snapshot.
func parentIdentifier(task ManagedTask, index map[string]int, snap Snapshot) (string, error) {
	switch task.Action {
	case ActionCreate:
		if task.InitiativeIdentifier == "" {
			return "", NormalizationError{Reason: "new task missing initiative_identifier"}
		}
		if _, ok := index[task.InitiativeIdentifier]; ok {
			return task.InitiativeIdentifier, nil
		}
		if _, ok := snap.InitiativeByIdentifier(task.InitiativeIdentifier); !ok {
			return "", NormalizationError{Identifier: task.InitiativeIdentifier, Reason: "initiative not found for new task"}
		}
		return task.InitiativeIdentifier, nil
	case ActionUpdate, ActionDelete:
		cur, ok := snap.TaskByIdentifier(task.Identifier)
		if !ok {
			return "", NormalizationError{Identifier: task.Identifier, Reason: "task not found"}
		}
		parent, ok := snap.InitiativeByID(cur.InitiativeID)
		if !ok {
			return "", NormalizationError{Identifier: task.Identifier, Reason: "parent initiative not found for task"}
		}
		return parent.Identifier, nil
	default:
		return "", NormalizationError{Identifier: task.Identifier, Reason: fmt.Sprintf("unknown action %q", task.Action)}
	}
}

func emitInitiative(set *Set, imp ManagedInitiative, snap Snapshot) {
	id := imp.Identifier
	// Assign per-initiative synthetic identifiers in array order before the
	// entity suggestion is emitted, so its suggested value carries them.
	taskN := 0
	for i := range imp.Tasks {
		if imp.Tasks[i].Action == ActionCreate && imp.Tasks[i].Identifier == "" {
			imp.Tasks[i].Identifier = fmt.Sprintf("new-task-%d", taskN)
			taskN++
		}
	}
	var original any
	if cur, ok := snap.InitiativeByIdentifier(id); ok {
		original = cur
	}
	set.put(Suggestion{
		Path:             InitiativePath(id),
		Kind:             KindEntity,
		Action:           imp.Action,
		EntityIdentifier: id,
		OriginalValue:    original,
		SuggestedValue:   imp,
	})
	if imp.Action != ActionDelete {
		emitInitiativeField(set, id, imp.Action, fieldTitle, imp.Title, snap)
		emitInitiativeField(set, id, imp.Action, fieldDescription, imp.Description, snap)
	}
	for _, task := range imp.Tasks {
		emitTask(set, id, task, snap)
	}
}

func emitInitiativeField(set *Set, identifier string, action EntityAction, field string, value *string, snap Snapshot) {
	if value == nil {
		return
	}
	var original any
	if cur, ok := snap.InitiativeByIdentifier(identifier); ok {
		switch field {
		case fieldTitle:
			original = cur.Title
		case fieldDescription:
			original = cur.Description
		}
	}
	set.put(Suggestion{
		Path:             InitiativeFieldPath(identifier, field),
		Kind:             KindField,
		Action:           action,
		EntityIdentifier: identifier,
		FieldName:        field,
		OriginalValue:    original,
		SuggestedValue:   *value,
	})
}

func emitTask(set *Set, initiativeIdentifier string, task ManagedTask, snap Snapshot) {
	var original any
	if cur, ok := snap.TaskByIdentifier(task.Identifier); ok {
		original = cur
	}
	set.put(Suggestion{
		Path:             TaskPath(initiativeIdentifier, task.Identifier),
		Kind:             KindEntity,
		Action:           task.Action,
		EntityIdentifier: initiativeIdentifier,
		OriginalValue:    original,
		SuggestedValue:   task,
	})
	if task.Action == ActionDelete {
		return
	}
	emitTaskField(set, initiativeIdentifier, task, fieldTitle, task.Title, snap)
	emitTaskField(set, initiativeIdentifier, task, fieldDescription, task.Description, snap)
}

func emitTaskField(set *Set, initiativeIdentifier string, task ManagedTask, field string, value *string, snap Snapshot) {
	if value == nil {
		return
	}
	var original any
	if cur, ok := snap.TaskByIdentifier(task.Identifier); ok {
		switch field {
		case fieldTitle:
			original = cur.Title
		case fieldDescription:
			original = cur.Description
		}
	}
	set.put(Suggestion{
		Path:             TaskFieldPath(initiativeIdentifier, task.Identifier, field),
		Kind:             KindField,
		Action:           task.Action,
		EntityIdentifier: initiativeIdentifier,
		FieldName:        field,
		OriginalValue:    original,
		SuggestedValue:   *value,
	})
}
