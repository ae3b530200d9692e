package tools

import (
	"context"
	"strings"
	"testing"
)

func TestTodoWriteAndRead(t *testing.T) {
	store := NewTodoStore()
	write := NewTodoWriteTool(store)
	read := NewTodoReadTool(store)
	ctx := context.Background()

	result := read.Execute(ctx, nil)
	if !result.Success || !strings.Contains(result.Output, "empty") {
		t.Fatalf("empty read: %+v", result)
	}

	result = write.Execute(ctx, map[string]interface{}{
		"todos": []interface{}{
			map[string]interface{}{"status": "completed", "content": "draft outline"},
			map[string]interface{}{"status": "in_progress", "content": "build site", "priority": "high"},
		},
	})
	if !result.Success {
		t.Fatalf("write: %+v", result)
	}
	if !strings.Contains(result.Output, "[x] draft outline") || !strings.Contains(result.Output, "[~] build site") {
		t.Errorf("rendered list = %q", result.Output)
	}

	result = write.Execute(ctx, map[string]interface{}{
		"todos": []interface{}{
			map[string]interface{}{"status": "pending", "content": "deploy"},
		},
		"append": true,
	})
	if !result.Success || len(store.List()) != 3 {
		t.Fatalf("append: %+v, list=%v", result, store.List())
	}

	result = write.Execute(ctx, map[string]interface{}{"clear": true})
	if !result.Success || len(store.List()) != 0 {
		t.Fatalf("clear: %+v", result)
	}
}

func TestTodoWriteRejectsBadEntries(t *testing.T) {
	write := NewTodoWriteTool(NewTodoStore())
	result := write.Execute(context.Background(), map[string]interface{}{
		"todos": []interface{}{
			map[string]interface{}{"status": "pending"},
		},
	})
	if result.Success {
		t.Fatalf("todo without content accepted: %+v", result)
	}
	result = write.Execute(context.Background(), map[string]interface{}{"todos": "nope"})
	if result.Success {
		t.Fatalf("non-array todos accepted: %+v", result)
	}
}
