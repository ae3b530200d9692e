package tools

import (
	"encoding/json"
	"fmt"
)

// Result is the unified return type from tool execution.
type Result struct {
	Success bool                   `json:"success"`
	Output  string                 `json:"output,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func NewResult(output string) *Result {
	return &Result{Success: true, Output: output}
}

// DataResult carries structured data alongside the textual output.
func DataResult(output string, data map[string]interface{}) *Result {
	return &Result{Success: true, Output: output, Data: data}
}

func ErrorResult(message string) *Result {
	if message == "" {
		message = "tool failed"
	}
	return &Result{Success: false, Error: message}
}

func Errorf(format string, args ...interface{}) *Result {
	return ErrorResult(fmt.Sprintf(format, args...))
}

// ForModel renders the result as the JSON document fed back to the model
// in the tool role message.
func (r *Result) ForModel() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())
	}
	return string(data)
}
