package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/hive/internal/broker"
	"github.com/MarcoPoloResearchLab/hive/internal/delivery"
	"github.com/MarcoPoloResearchLab/hive/internal/longpoll"
	"github.com/MarcoPoloResearchLab/hive/internal/records"
	"github.com/MarcoPoloResearchLab/hive/internal/registry"
	"github.com/MarcoPoloResearchLab/hive/internal/store"
	"github.com/MarcoPoloResearchLab/hive/internal/updates"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type stubDelivery struct {
	pollRequest  longpoll.PollRequest
	pollResult   []records.Record
	pollErr      error
	terminal     bool
	terminalWait time.Duration
	submitted    records.Record
	pending      bool
	update       updates.CommandUpdate
	applied      []string
	updateErr    error
	queryRequest store.QueryRequest
	history      []store.CommandUpdateHistory
}

func (s *stubDelivery) Poll(_ context.Context, request longpoll.PollRequest) ([]records.Record, error) {
	s.pollRequest = request
	return s.pollResult, s.pollErr
}

func (s *stubDelivery) WaitForTerminal(_ context.Context, deviceID string, commandID int64, wait time.Duration) (records.Record, bool, error) {
	s.terminalWait = wait
	if commandID == 404 {
		return records.Record{}, false, records.ErrNotFound
	}
	record := records.Record{ID: commandID, Topic: records.TopicCommand, DeviceID: deviceID, Name: "reboot"}
	if s.terminal {
		record.Status = "Completed"
	}
	return record, s.terminal, nil
}

func (s *stubDelivery) SubmitRecord(_ context.Context, record records.Record) (delivery.Submission, error) {
	if err := record.Validate(); err != nil {
		return delivery.Submission{}, err
	}
	s.submitted = record
	if s.pending {
		return delivery.Submission{MessageID: "msg-1", Pending: true}, nil
	}
	record.ID = 11
	record.MessageID = "msg-1"
	record.TimestampMicros = 1700000000000000
	return delivery.Submission{MessageID: "msg-1", Record: record}, nil
}

func (s *stubDelivery) SubmitUpdate(_ context.Context, _ string, _ int64, update updates.CommandUpdate) (delivery.Submission, error) {
	s.update = update
	if s.updateErr != nil {
		return delivery.Submission{}, s.updateErr
	}
	if s.pending {
		return delivery.Submission{MessageID: "msg-2", Pending: true}, nil
	}
	return delivery.Submission{MessageID: "msg-2", AppliedFields: s.applied}, nil
}

func (s *stubDelivery) History(_ context.Context, deviceID string, commandID int64) ([]store.CommandUpdateHistory, error) {
	if deviceID != "D1" || commandID == 404 {
		return nil, records.ErrNotFound
	}
	return s.history, nil
}

func (s *stubDelivery) Get(_ context.Context, topic records.Topic, deviceID string, id int64) (records.Record, error) {
	if deviceID != "D1" {
		return records.Record{}, records.ErrNotFound
	}
	return records.Record{ID: id, Topic: topic, DeviceID: deviceID, Name: "temperature", TimestampMicros: 1700000000000001}, nil
}

func (s *stubDelivery) Query(_ context.Context, request store.QueryRequest) ([]records.Record, error) {
	s.queryRequest = request
	return nil, nil
}

func newTestRouter(t *testing.T, delivery *stubDelivery) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	handler, err := NewHTTPHandler(Dependencies{
		Delivery:       delivery,
		Logger:         zap.NewNop(),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func serve(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDelivery(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingDeliveryService) {
		t.Fatalf("expected missing delivery error, got %v", err)
	}
}

func TestPollParsesParametersAndRendersRecords(t *testing.T) {
	delivery := &stubDelivery{pollResult: []records.Record{{
		ID:              7,
		Topic:           records.TopicCommand,
		DeviceID:        "D1",
		Name:            "reboot",
		TimestampMicros: 1700000000000000,
		Parameters:      []byte(`{"delay":5}`),
	}}}
	router := newTestRouter(t, delivery)

	recorder := serve(router, http.MethodGet, "/device/D1/command/poll?names=reboot,ping&timestamp=2023-11-14T22:13:20.000000&waitTimeout=5", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	request := delivery.pollRequest
	if request.Filter.Topic != records.TopicCommand || len(request.Filter.DeviceIDs) != 1 || request.Filter.DeviceIDs[0] != "D1" {
		t.Fatalf("unexpected filter %#v", request.Filter)
	}
	if len(request.Filter.Names) != 2 || request.WaitTimeout != 5*time.Second {
		t.Fatalf("unexpected request %#v", request)
	}
	if request.Since == nil || request.Since.UnixMicro() != 1700000000000000 {
		t.Fatalf("unexpected since %v", request.Since)
	}

	var payloads []map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payloads); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if len(payloads) != 1 || payloads[0]["command"] != "reboot" || payloads[0]["timestamp"] != "2023-11-14T22:13:20.000000" {
		t.Fatalf("unexpected payload %v", payloads)
	}
}

func TestPollDefaultsAndMultiDevice(t *testing.T) {
	delivery := &stubDelivery{}
	router := newTestRouter(t, delivery)

	recorder := serve(router, http.MethodGet, "/device/notification/poll?deviceGuids=D2,D1", "")
	if recorder.Code != http.StatusOK || recorder.Body.String() != "[]" {
		t.Fatalf("expected empty list, got %d %s", recorder.Code, recorder.Body.String())
	}
	request := delivery.pollRequest
	if request.Filter.Topic != records.TopicNotification || len(request.Filter.DeviceIDs) != 2 {
		t.Fatalf("unexpected filter %#v", request.Filter)
	}
	if request.WaitTimeout != 30*time.Second || request.Since != nil {
		t.Fatalf("expected default wait and since, got %#v", request)
	}
}

func TestPollRejectsBadParameters(t *testing.T) {
	router := newTestRouter(t, &stubDelivery{})

	testCases := []struct {
		name   string
		target string
	}{
		{name: "wait above maximum", target: "/device/D1/command/poll?waitTimeout=61"},
		{name: "negative wait", target: "/device/D1/command/poll?waitTimeout=-1"},
		{name: "non numeric wait", target: "/device/D1/command/poll?waitTimeout=soon"},
		{name: "bad timestamp", target: "/device/D1/command/poll?timestamp=yesterday"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := serve(router, http.MethodGet, testCase.target, "")
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", recorder.Code)
			}
		})
	}
}

func TestPollMapsRegistryRejectionsToUnavailable(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		code string
	}{
		{name: "waiter bound", err: registry.ErrTooManyWaiters, code: "too_many_waiters"},
		{name: "shutting down", err: registry.ErrClosed, code: "shutting_down"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			router := newTestRouter(t, &stubDelivery{pollErr: testCase.err})
			recorder := serve(router, http.MethodGet, "/device/D1/command/poll", "")
			if recorder.Code != http.StatusServiceUnavailable {
				t.Fatalf("expected status 503, got %d", recorder.Code)
			}
			if !strings.Contains(recorder.Body.String(), testCase.code) {
				t.Fatalf("unexpected body %s", recorder.Body.String())
			}
		})
	}
}

func TestWaitForTerminalStatuses(t *testing.T) {
	delivery := &stubDelivery{terminal: true}
	router := newTestRouter(t, delivery)

	recorder := serve(router, http.MethodGet, "/device/D1/command/9/poll?waitTimeout=0", "")
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"status":"Completed"`) {
		t.Fatalf("expected completed command, got %d %s", recorder.Code, recorder.Body.String())
	}
	if delivery.terminalWait != 0 {
		t.Fatalf("expected explicit zero wait, got %v", delivery.terminalWait)
	}

	delivery.terminal = false
	recorder = serve(router, http.MethodGet, "/device/D1/command/9/poll", "")
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", recorder.Code)
	}

	recorder = serve(router, http.MethodGet, "/device/D1/command/404/poll", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", recorder.Code)
	}

	recorder = serve(router, http.MethodGet, "/device/D1/command/abc/poll", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", recorder.Code)
	}
}

func TestSubmitCommandAndNotification(t *testing.T) {
	delivery := &stubDelivery{}
	router := newTestRouter(t, delivery)

	recorder := serve(router, http.MethodPost, "/device/D1/command", `{"command":"reboot","parameters":{"delay":5},"lifetime":30}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}
	var created map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if created["id"] != float64(11) || created["messageId"] != "msg-1" || created["timestamp"] != "2023-11-14T22:13:20.000000" {
		t.Fatalf("expected the stored command, got %v", created)
	}
	if delivery.submitted.Name != "reboot" || delivery.submitted.Lifetime != 30 || delivery.submitted.DeviceID != "D1" {
		t.Fatalf("unexpected submitted record %#v", delivery.submitted)
	}

	delivery.pending = true
	recorder = serve(router, http.MethodPost, "/device/D1/notification", `{"notification":"temperature","parameters":{"value":21}}`)
	if recorder.Code != http.StatusAccepted || recorder.Body.String() != `{"messageId":"msg-1"}` {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if delivery.submitted.Topic != records.TopicNotification || delivery.submitted.Name != "temperature" {
		t.Fatalf("unexpected submitted record %#v", delivery.submitted)
	}

	recorder = serve(router, http.MethodPost, "/device/D1/command", `{"parameters":{}}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for missing name, got %d", recorder.Code)
	}
}

func TestUpdateCommandReportsAppliedFields(t *testing.T) {
	delivery := &stubDelivery{applied: []string{"status", "result"}}
	router := newTestRouter(t, delivery)

	recorder := serve(router, http.MethodPut, "/device/D1/command/5", `{"status":"Completed","result":{"ok":true},"flags":null}`)
	if recorder.Code != http.StatusOK || recorder.Body.String() != `{"appliedFields":["status","result"]}` {
		t.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}
	if !delivery.update.Flags.IsNull() || !delivery.update.Lifetime.IsAbsent() {
		t.Fatalf("field states lost: %#v", delivery.update)
	}

	delivery.pending = true
	recorder = serve(router, http.MethodPut, "/device/D1/command/5", `{"status":"Completed"}`)
	if recorder.Code != http.StatusAccepted || recorder.Body.String() != `{"messageId":"msg-2"}` {
		t.Fatalf("unexpected pending response %d %s", recorder.Code, recorder.Body.String())
	}

	delivery.updateErr = records.ErrNotFound
	recorder = serve(router, http.MethodPut, "/device/D1/command/5", `{"status":"Completed"}`)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", recorder.Code)
	}

	delivery.updateErr = broker.NewDeliveryError(errors.New("broker down"))
	recorder = serve(router, http.MethodPut, "/device/D1/command/5", `{"status":"Completed"}`)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", recorder.Code)
	}

	recorder = serve(router, http.MethodPut, "/device/D1/command/5", `{"status":`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for malformed body, got %d", recorder.Code)
	}
}

func TestGetAndQueryRoutes(t *testing.T) {
	delivery := &stubDelivery{}
	router := newTestRouter(t, delivery)

	recorder := serve(router, http.MethodGet, "/device/D1/notification/3", "")
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"notification":"temperature"`) {
		t.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}
	recorder = serve(router, http.MethodGet, "/device/D2/notification/3", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", recorder.Code)
	}

	recorder = serve(router, http.MethodGet, "/device/D1/command?command=reboot&status=Completed&sortField=timestamp&sortOrder=DESC&take=10&skip=2", "")
	if recorder.Code != http.StatusOK || recorder.Body.String() != "[]" {
		t.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}
	request := delivery.queryRequest
	if request.Name != "reboot" || request.Status != "Completed" || !request.SortDescending || request.Take != 10 || request.Skip != 2 {
		t.Fatalf("unexpected query %#v", request)
	}

	recorder = serve(router, http.MethodGet, "/device/D1/command?sortOrder=sideways", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", recorder.Code)
	}
}

func TestCommandHistoryRoute(t *testing.T) {
	delivery := &stubDelivery{history: []store.CommandUpdateHistory{{
		CommandID:       5,
		DeviceID:        "D1",
		AppliedFields:   "status,result",
		PayloadJSON:     `{"status":"Completed","result":{"ok":true}}`,
		AppliedAtMicros: 1700000000000000,
	}}}
	router := newTestRouter(t, delivery)

	recorder := serve(router, http.MethodGet, "/device/D1/command/5/history", "")
	expected := `[{"appliedFields":["status","result"],"update":{"status":"Completed","result":{"ok":true}},"appliedAt":"2023-11-14T22:13:20.000000"}]`
	if recorder.Code != http.StatusOK || recorder.Body.String() != expected {
		t.Fatalf("unexpected response %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = serve(router, http.MethodGet, "/device/D2/command/5/history", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", recorder.Code)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	router := newTestRouter(t, &stubDelivery{})

	recorder := serve(router, http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK || recorder.Body.String() != `{"status":"ok"}` {
		t.Fatalf("unexpected health response %d %s", recorder.Code, recorder.Body.String())
	}
	recorder = serve(router, http.MethodGet, "/metrics", "")
	if recorder.Code != http.StatusOK || recorder.Body.String() != "# metrics" {
		t.Fatalf("unexpected metrics response %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestCORSMiddlewareAnswersPreflight(t *testing.T) {
	router := newTestRouter(t, &stubDelivery{})

	request := httptest.NewRequest(http.MethodOptions, "/device/D1/command", http.NoBody)
	request.Header.Set("Origin", "https://console.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPut)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if !strings.Contains(recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodPut) {
		t.Fatalf("expected PUT to be allowed, got %q", recorder.Header().Get("Access-Control-Allow-Methods"))
	}
}
