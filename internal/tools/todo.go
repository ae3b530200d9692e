package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Todo is one entry in the session todo list.
type Todo struct {
	Status   string  `json:"status"`
	Priority *string `json:"priority,omitempty"`
	Content  string  `json:"content"`
}

// TodoStore holds the per-session todo list.
type TodoStore struct {
	mu    sync.Mutex
	todos []Todo
}

func NewTodoStore() *TodoStore { return &TodoStore{} }

func (s *TodoStore) List() []Todo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Todo, len(s.todos))
	copy(out, s.todos)
	return out
}

func (s *TodoStore) replace(todos []Todo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todos = todos
}

func (s *TodoStore) append(todos []Todo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todos = append(s.todos, todos...)
}

// TodoReadTool returns the current todo list.
type TodoReadTool struct {
	store *TodoStore
}

func NewTodoReadTool(store *TodoStore) *TodoReadTool { return &TodoReadTool{store: store} }

func (t *TodoReadTool) Name() string { return "mshtools-todo_read" }

func (t *TodoReadTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	todos := t.store.List()
	if len(todos) == 0 {
		return NewResult("The todo list is empty.")
	}
	return DataResult(renderTodos(todos), map[string]interface{}{"todos": todosToJSON(todos)})
}

// TodoWriteTool replaces, appends to, or clears the todo list.
type TodoWriteTool struct {
	store *TodoStore
}

func NewTodoWriteTool(store *TodoStore) *TodoWriteTool { return &TodoWriteTool{store: store} }

func (t *TodoWriteTool) Name() string { return "mshtools-todo_write" }

func (t *TodoWriteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if boolArg(args, "clear") {
		t.store.replace(nil)
		return NewResult("Todo list cleared.")
	}
	todos, err := parseTodos(args["todos"])
	if err != nil {
		return ErrorResult(err.Error())
	}
	if boolArg(args, "append") {
		t.store.append(todos)
	} else {
		t.store.replace(todos)
	}
	all := t.store.List()
	return DataResult(
		fmt.Sprintf("Todo list updated (%d items).\n%s", len(all), renderTodos(all)),
		map[string]interface{}{"todos": todosToJSON(all)},
	)
}

func parseTodos(raw interface{}) ([]Todo, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("'todos' must be an array")
	}
	todos := make([]Todo, 0, len(list))
	for i, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("todo %d must be an object", i)
		}
		todo := Todo{
			Status:  stringArg(entry, "status"),
			Content: stringArg(entry, "content"),
		}
		if p, ok := entry["priority"].(string); ok && p != "" {
			todo.Priority = &p
		}
		if todo.Status == "" || todo.Content == "" {
			return nil, fmt.Errorf("todo %d needs status and content", i)
		}
		todos = append(todos, todo)
	}
	return todos, nil
}

func renderTodos(todos []Todo) string {
	marks := map[string]string{"pending": "[ ]", "in_progress": "[~]", "completed": "[x]"}
	var b strings.Builder
	for _, todo := range todos {
		mark, ok := marks[todo.Status]
		if !ok {
			mark = "[?]"
		}
		fmt.Fprintf(&b, "%s %s\n", mark, todo.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func todosToJSON(todos []Todo) []interface{} {
	out := make([]interface{}, 0, len(todos))
	for _, todo := range todos {
		entry := map[string]interface{}{
			"status":  todo.Status,
			"content": todo.Content,
		}
		if todo.Priority != nil {
			entry["priority"] = *todo.Priority
		}
		out = append(out, entry)
	}
	return out
}
