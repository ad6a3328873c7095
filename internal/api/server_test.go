package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/ntracing/ntd/internal/constants"
	"github.com/ntracing/ntd/internal/probe"
	"github.com/ntracing/ntd/internal/probes/demo"
	"github.com/ntracing/ntd/internal/task"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := probe.NewRegistry()
	reg.Register(constants.ProbeDemo, demo.New)
	registry := task.NewRegistry(reg, probe.Dependencies{}, nil, nil)
	t.Cleanup(registry.Shutdown)
	return NewServer(Config{}, registry, nil)
}

func TestHandleRoot(t *testing.T) {
	s := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body rootResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Name != constants.DaemonName || body.Version != constants.Version {
		t.Fatalf("got %+v", body)
	}
}

func TestCreateListGetDeleteTask(t *testing.T) {
	s := newTestServer(t)

	createBody := []byte(`{"probes": {"demo": {}}}`)
	req, _ := http.NewRequest(http.MethodPost, constants.PathTracingTasks, bytes.NewReader(createBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("create Test: %v", err)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || created.ID == "" {
		t.Fatalf("create status = %d, id = %q", resp.StatusCode, created.ID)
	}

	listReq, _ := http.NewRequest(http.MethodGet, constants.PathTracingTasks, nil)
	listResp, err := s.app.Test(listReq)
	if err != nil {
		t.Fatalf("list Test: %v", err)
	}
	var list []map[string]any
	_ = json.NewDecoder(listResp.Body).Decode(&list)
	listResp.Body.Close()
	if len(list) != 1 {
		t.Fatalf("list = %+v, want one entry", list)
	}

	getReq, _ := http.NewRequest(http.MethodGet, constants.PathTracingTasks+"/"+created.ID, nil)
	getResp, err := s.app.Test(getReq)
	if err != nil {
		t.Fatalf("get Test: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}

	delReq, _ := http.NewRequest(http.MethodDelete, constants.PathTracingTasks+"/"+created.ID, nil)
	delResp, err := s.app.Test(delReq)
	if err != nil {
		t.Fatalf("delete Test: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}

	getAgainReq, _ := http.NewRequest(http.MethodGet, constants.PathTracingTasks+"/"+created.ID, nil)
	getAgainResp, err := s.app.Test(getAgainReq)
	if err != nil {
		t.Fatalf("get-again Test: %v", err)
	}
	defer getAgainResp.Body.Close()
	if getAgainResp.StatusCode != http.StatusNotFound {
		t.Fatalf("get-again status = %d, want 404", getAgainResp.StatusCode)
	}
}

func TestGetUnknownTaskReturns404WithMessage(t *testing.T) {
	s := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, constants.PathTracingTasks+"/nope", nil)
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	var body errorResponse
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Message == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestCreateTaskWithUnknownProbeTypeReturns400(t *testing.T) {
	s := newTestServer(t)

	body := []byte(`{"probes": {"nonexistent": {}}}`)
	req, _ := http.NewRequest(http.MethodPost, constants.PathTracingTasks, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamTaskEvents(t *testing.T) {
	s := newTestServer(t)

	createBody := []byte(`{"probes": {"demo": {"interval": 0.01}}}`)
	createReq, _ := http.NewRequest(http.MethodPost, constants.PathTracingTasks, bytes.NewReader(createBody))
	createReq.Header.Set("Content-Type", "application/json")
	createResp, err := s.app.Test(createReq)
	if err != nil {
		t.Fatalf("create Test: %v", err)
	}
	var created struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(createResp.Body).Decode(&created)
	createResp.Body.Close()

	eventsReq, _ := http.NewRequest(http.MethodGet, constants.PathTracingTasks+"/"+created.ID+"/events", nil)
	eventsResp, err := s.app.Test(eventsReq, -1)
	if err != nil {
		t.Fatalf("events Test: %v", err)
	}
	defer eventsResp.Body.Close()

	if ct := eventsResp.Header.Get("Content-Type"); ct != constants.ContentTypeJSONLines {
		t.Fatalf("content-type = %q, want %q", ct, constants.ContentTypeJSONLines)
	}

	line, err := bufioReadLine(eventsResp.Body)
	if err != nil {
		t.Fatalf("reading first event line: %v", err)
	}
	var envelope map[string]any
	if err := json.Unmarshal(line, &envelope); err != nil {
		t.Fatalf("decoding event line %q: %v", line, err)
	}
	if envelope["probe"] != "demo" {
		t.Fatalf("probe tag = %v, want demo", envelope["probe"])
	}
}

func bufioReadLine(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	one := make([]byte, 1)
	for {
		n, err := r.Read(one)
		if n > 0 {
			if one[0] == '\n' {
				return buf.Bytes(), nil
			}
			buf.WriteByte(one[0])
		}
		if err != nil {
			return buf.Bytes(), err
		}
	}
}
