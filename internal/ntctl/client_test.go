package ntctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ntracing/ntd/internal/task"
)

func TestClientListTasks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tracing_tasks" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]TaskSummary{
			{ID: "abc", Options: task.Options{Probes: map[string]json.RawMessage{"demo": json.RawMessage(`{}`)}}},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	tasks, err := client.ListTasks(context.Background())
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "abc" {
		t.Fatalf("tasks = %#v", tasks)
	}
	if _, ok := tasks[0].Options.Probes["demo"]; !ok {
		t.Fatalf("missing demo probe in %#v", tasks[0].Options.Probes)
	}
}

func TestClientErrorSurfacesDaemonMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(apiError{Message: `tracing task "abc" not found`})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.GetTask(context.Background(), "abc")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Fatalf("error = %v, want daemon message surfaced", err)
	}

	var apiErr *Error
	if ok := asError(err, &apiErr); !ok {
		t.Fatalf("error is not *ntctl.Error: %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", apiErr.StatusCode)
	}
}

func TestClientCreateAndRemoveTask(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		switch r.Method {
		case http.MethodPost:
			json.NewEncoder(w).Encode(map[string]string{"id": "new-id"})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL)
	id, err := client.CreateTask(context.Background(), task.Options{
		Probes: map[string]json.RawMessage{"demo": json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if id != "new-id" {
		t.Fatalf("id = %q", id)
	}
	if gotMethod != http.MethodPost || gotPath != "/tracing_tasks" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}

	if err := client.RemoveTask(context.Background(), "new-id"); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/tracing_tasks/new-id" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
}

func asError(err error, target **Error) bool {
	apiErr, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = apiErr
	return true
}
