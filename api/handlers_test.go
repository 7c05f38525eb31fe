package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"minutes-api/config"
	"minutes-api/domain"
)

type mockStore struct {
	records map[domain.Kind][]domain.Record
	err     error

	mu   sync.Mutex
	cmds []domain.Command
}

func (m *mockStore) List(ctx context.Context, kind domain.Kind) ([]domain.Record, error) {
	if m.err != nil {
		return nil, m.err
	}
	return append([]domain.Record(nil), m.records[kind]...), nil
}

func (m *mockStore) Get(ctx context.Context, kind domain.Kind, id string) (domain.Record, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, r := range m.records[kind] {
		if r.RecordID() == id {
			return r, nil
		}
	}
	return nil, nil
}

func (m *mockStore) EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = append(m.cmds, cmds...)
	return nil
}

func (m *mockStore) Commands() []domain.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Command, len(m.cmds))
	copy(out, m.cmds)
	return out
}

type mockAuth struct{}

func (mockAuth) UserIDFromAuthHeader(string) (string, error) { return "user", nil }

type denyAuth struct{}

func (denyAuth) UserIDFromAuthHeader(string) (string, error) {
	return "", errMissingAuthorization
}

type noopStore struct{}

func (noopStore) List(context.Context, domain.Kind) ([]domain.Record, error) { return nil, nil }

func (noopStore) Get(context.Context, domain.Kind, string) (domain.Record, error) { return nil, nil }

func (noopStore) EnqueueCommands(context.Context, string, []domain.Command) error { return nil }

type memDeduper struct {
	mu      sync.Mutex
	seen    map[string]bool
	removed []string
}

func newMemDeduper() *memDeduper { return &memDeduper{seen: map[string]bool{}} }

func (d *memDeduper) AddMany(_ context.Context, userID string, keys []string) ([]bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]bool, len(keys))
	for i, k := range keys {
		if !d.seen[userID+k] {
			d.seen[userID+k] = true
			out[i] = true
		}
	}
	return out, nil
}

func (d *memDeduper) Remove(_ context.Context, userID, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, userID+key)
	d.removed = append(d.removed, key)
	return nil
}

func resetCommandSenderForTests() {
	shutdownCommandSender()
	globalStore = noopStore{}
}

func startCommandSender(t *testing.T, store Storage, deduper Deduper) {
	t.Helper()
	resetCommandSenderForTests()
	t.Cleanup(resetCommandSenderForTests)
	logger, _ := test.NewNullLogger()
	initCommandSender(store, deduper, config.Enqueue{Workers: 2, Buffer: 8, Timeout: time.Second}, logger)
}

func newContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func waitForCommands(t *testing.T, store *mockStore, expected int) []domain.Command {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		cmds := store.Commands()
		if len(cmds) >= expected {
			return cmds
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d commands, got %d", expected, len(cmds))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFinalizeCommandsSequentialTimestamps(t *testing.T) {
	cmds := []domain.Command{
		{EntityType: domain.KindTask, Type: domain.CommandCreate},
		{EntityType: domain.KindTask, Type: domain.CommandDelete, EntityID: "t1", IdempotencyKey: "keep"},
		{EntityType: domain.KindIssue, Type: domain.CommandCreate, EntityID: "given"},
	}
	keys := finalizeCommands(cmds)

	if keys[1] != "keep" || cmds[1].ID != "keep" {
		t.Fatalf("expected supplied idempotency key to be kept: %v", keys)
	}
	if keys[0] == "" || cmds[0].ID != keys[0] {
		t.Fatalf("expected generated idempotency key, got %q", keys[0])
	}
	if cmds[0].EntityID == "" {
		t.Fatal("expected create command to receive an entity id")
	}
	if cmds[2].EntityID != "given" {
		t.Fatalf("expected supplied entity id to be kept, got %s", cmds[2].EntityID)
	}
	for i := 1; i < len(cmds); i++ {
		if cmds[i].Timestamp != cmds[i-1].Timestamp+1 {
			t.Fatalf("timestamps not sequential: %d then %d", cmds[i-1].Timestamp, cmds[i].Timestamp)
		}
	}
}

func TestPostCommandsEnqueuesCommandsAndReturnsKeys(t *testing.T) {
	store := &mockStore{}
	startCommandSender(t, store, newMemDeduper())

	body := `[{"entityType":"working-group","type":"create","data":{"name":"Platform"}},
		{"entityType":"issue","type":"update","entityId":"i1","data":{"gravity":5}}]`
	c, rec := newContext(http.MethodPost, "/api/commands", body)

	if err := postCommands(Deps{Store: store, Auth: mockAuth{}, Deduper: newMemDeduper(), Log: log.New()})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp postCommandResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.IdempotencyKeys) != 2 {
		t.Fatalf("expected 2 keys, got %v", resp.IdempotencyKeys)
	}

	cmds := waitForCommands(t, store, 2)
	if cmds[0].EntityID == "" || cmds[0].ID != resp.IdempotencyKeys[0] {
		t.Fatalf("unexpected first command: %#v", cmds[0])
	}
	if cmds[1].EntityID != "i1" {
		t.Fatalf("unexpected second command: %#v", cmds[1])
	}
}

func TestPostCommandsRejectsInvalidCommands(t *testing.T) {
	store := &mockStore{}
	startCommandSender(t, store, nil)
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{`},
		{name: "empty", body: `[]`},
		{name: "unknown field", body: `[{"entityType":"task","type":"create","bogus":1}]`},
		{name: "missing title", body: `[{"entityType":"task","type":"create","data":{"meetingId":"m1"}}]`},
		{name: "factor out of range", body: `[{"entityType":"issue","type":"create","data":{"title":"x","gravity":6,"urgency":1,"tendency":1}}]`},
		{name: "bad status", body: `[{"entityType":"task","type":"update","entityId":"t1","data":{"status":"Later"}}]`},
		{name: "other user", body: `[{"entityType":"user","type":"upsert","entityId":"someone","data":{"name":"X"}}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(http.MethodPost, "/api/commands", tt.body)
			if err := postCommands(Deps{Store: store, Auth: mockAuth{}, Log: log.New()})(c); err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
	if len(store.Commands()) != 0 {
		t.Fatal("no command should be enqueued")
	}
}

func TestPostCommandsRejectsInvalidProfile(t *testing.T) {
	store := &mockStore{}
	startCommandSender(t, store, nil)

	for _, body := range []string{
		`[{"entityType":"user","type":"upsert","data":{"name":""}}]`,
		`[{"entityType":"user","type":"upsert","data":{"name":"   ","email":"ana@example.com"}}]`,
	} {
		c, rec := newContext(http.MethodPost, "/api/commands", body)
		if err := postCommands(Deps{Store: store, Auth: mockAuth{}, Log: log.New()})(c); err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d: %s", body, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "name") {
			t.Fatalf("expected field in error: %s", rec.Body.String())
		}
	}
	if len(store.Commands()) != 0 {
		t.Fatal("no command should be enqueued")
	}
}

func TestPostCommandsRejectsOversizedSummary(t *testing.T) {
	store := &mockStore{}
	startCommandSender(t, store, nil)

	summary := strings.Repeat("a", domain.MaxSummaryLen+1)
	body := `[{"entityType":"meeting","type":"create","data":{"title":"Weekly","date":"2024-05-02","workingGroupId":"wg1","summary":"` + summary + `"}}]`
	c, rec := newContext(http.MethodPost, "/api/commands", body)
	if err := postCommands(Deps{Store: store, Auth: mockAuth{}, Log: log.New()})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(store.Commands()) != 0 {
		t.Fatal("no command should be enqueued")
	}
}

func TestPostCommandsUserUpsertUsesCaller(t *testing.T) {
	store := &mockStore{}
	startCommandSender(t, store, nil)

	c, rec := newContext(http.MethodPost, "/api/commands", `[{"entityType":"user","type":"upsert","data":{"name":"Ana"}}]`)
	if err := postCommands(Deps{Store: store, Auth: mockAuth{}, Log: log.New()})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	cmds := waitForCommands(t, store, 1)
	if cmds[0].EntityID != "user" {
		t.Fatalf("expected caller id, got %s", cmds[0].EntityID)
	}
}

func TestPostCommandsSkipsDuplicates(t *testing.T) {
	store := &mockStore{}
	deduper := newMemDeduper()
	startCommandSender(t, store, deduper)
	d := Deps{Store: store, Auth: mockAuth{}, Deduper: deduper, Log: log.New()}
	body := `[{"idempotencyKey":"k1","entityType":"task","type":"delete","entityId":"t1"}]`

	for i := 0; i < 2; i++ {
		c, rec := newContext(http.MethodPost, "/api/commands", body)
		if err := postCommands(d)(c); err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rec.Code)
		}
	}
	waitForCommands(t, store, 1)
	time.Sleep(20 * time.Millisecond)
	if n := len(store.Commands()); n != 1 {
		t.Fatalf("expected duplicate to be dropped, got %d commands", n)
	}
}

func TestPostCommandsUnauthorized(t *testing.T) {
	c, rec := newContext(http.MethodPost, "/api/commands", `[]`)
	if err := postCommands(Deps{Store: &mockStore{}, Auth: denyAuth{}, Log: log.New()})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

type failingStore struct {
	noopStore
}

func (failingStore) EnqueueCommands(context.Context, string, []domain.Command) error {
	return errors.New("queue down")
}

func TestPostCommandsInlineFailureRollsBackKeys(t *testing.T) {
	resetCommandSenderForTests()
	t.Cleanup(resetCommandSenderForTests)
	deduper := newMemDeduper()

	c, rec := newContext(http.MethodPost, "/api/commands", `[{"idempotencyKey":"k1","entityType":"task","type":"delete","entityId":"t1"}]`)
	if err := postCommands(Deps{Store: failingStore{}, Auth: mockAuth{}, Deduper: deduper, Log: log.New()})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if len(deduper.removed) != 1 || deduper.removed[0] != "k1" {
		t.Fatalf("expected key rollback, got %v", deduper.removed)
	}
}

func TestImportMeetingCreatesCommands(t *testing.T) {
	store := &mockStore{records: map[domain.Kind][]domain.Record{
		domain.KindMeeting: {domain.Meeting{ID: "m1", Title: "Kickoff", Date: "2026-01-10", WorkingGroupID: "g1"}},
	}}
	startCommandSender(t, store, nil)

	body := `{"decisions":[{"title":"Adopt Go","context":"team skills","tags":["stack"," stack ","go"]}],
		"tasks":[{"title":"Write ADR","description":"record it","dueDate":"2026-02-01"}]}`
	c, rec := newContext(http.MethodPost, "/api/meetings/m1/import", body)
	c.SetParamNames("id")
	c.SetParamValues("m1")

	if err := importMeeting(Deps{Store: store, Auth: mockAuth{}, Log: log.New()})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	cmds := waitForCommands(t, store, 2)
	kinds := map[domain.Kind]domain.Command{}
	for _, cmd := range cmds {
		if cmd.Type != domain.CommandCreate || cmd.EntityID == "" {
			t.Fatalf("unexpected command: %#v", cmd)
		}
		kinds[cmd.EntityType] = cmd
	}
	dec, err := domain.DecodeRecord(domain.KindDecision, kinds[domain.KindDecision].Data)
	if err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if d := dec.(domain.Decision); d.MeetingID != "m1" || len(d.Tags) != 2 {
		t.Fatalf("unexpected decision: %#v", d)
	}
	task, err := domain.DecodeRecord(domain.KindTask, kinds[domain.KindTask].Data)
	if err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if tk := task.(domain.Task); tk.Status != domain.TaskPending || tk.MeetingID != "m1" {
		t.Fatalf("unexpected task: %#v", tk)
	}
}

func TestImportMeetingErrors(t *testing.T) {
	store := &mockStore{records: map[domain.Kind][]domain.Record{
		domain.KindMeeting: {domain.Meeting{ID: "m1", Title: "Kickoff", Date: "2026-01-10", WorkingGroupID: "g1"}},
	}}
	startCommandSender(t, store, nil)
	tests := []struct {
		name    string
		meeting string
		body    string
		want    int
	}{
		{name: "missing meeting", meeting: "nope", body: `{"tasks":[{"title":"x"}]}`, want: http.StatusNotFound},
		{name: "empty selection", meeting: "m1", body: `{"decisions":[],"tasks":[]}`, want: http.StatusBadRequest},
		{name: "blank title", meeting: "m1", body: `{"tasks":[{"title":"  "}]}`, want: http.StatusBadRequest},
		{name: "bad due date", meeting: "m1", body: `{"tasks":[{"title":"x","dueDate":"tomorrow"}]}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(http.MethodPost, "/", tt.body)
			c.SetParamNames("id")
			c.SetParamValues(tt.meeting)
			if err := importMeeting(Deps{Store: store, Auth: mockAuth{}, Log: log.New()})(c); err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetIssuesSortedByScore(t *testing.T) {
	store := &mockStore{records: map[domain.Kind][]domain.Record{
		domain.KindIssue: {
			domain.Issue{ID: "low", Title: "a", Gravity: 1, Urgency: 1, Tendency: 1, Status: domain.IssueOpen},
			domain.Issue{ID: "tie-first", Title: "b", Gravity: 3, Urgency: 3, Tendency: 3, Status: domain.IssueOpen},
			domain.Issue{ID: "critical", Title: "c", Gravity: 5, Urgency: 5, Tendency: 5, Status: domain.IssueResolved},
			domain.Issue{ID: "tie-second", Title: "d", Gravity: 3, Urgency: 3, Tendency: 3, Status: domain.IssueOpen},
		},
	}}
	c, rec := newContext(http.MethodGet, "/api/issues", "")
	if err := getIssues(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var issues []issueView
	if err := sonic.Unmarshal(rec.Body.Bytes(), &issues); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ids := []string{}
	for _, is := range issues {
		ids = append(ids, is.ID)
	}
	if strings.Join(ids, ",") != "critical,tie-first,tie-second,low" {
		t.Fatalf("unexpected order: %v", ids)
	}
	if issues[0].Score != 125 || issues[0].Band != domain.BandCritical || issues[0].Color != "red" {
		t.Fatalf("unexpected critical view: %#v", issues[0])
	}
	if issues[1].Score != 27 || issues[1].Band != domain.BandHigh {
		t.Fatalf("unexpected tie view: %#v", issues[1])
	}
}

func TestGetIssuesFilters(t *testing.T) {
	store := &mockStore{records: map[domain.Kind][]domain.Record{
		domain.KindIssue: {
			domain.Issue{ID: "a", WorkingGroupID: "g1", Title: "a", Gravity: 2, Urgency: 2, Tendency: 2, Status: domain.IssueOpen},
			domain.Issue{ID: "b", WorkingGroupID: "g2", Title: "b", Gravity: 2, Urgency: 2, Tendency: 2, Status: domain.IssueOpen},
			domain.Issue{ID: "c", WorkingGroupID: "g1", Title: "c", Gravity: 2, Urgency: 2, Tendency: 2, Status: domain.IssueResolved},
		},
	}}
	c, rec := newContext(http.MethodGet, "/api/issues?workingGroupId=g1&status=Open", "")
	if err := getIssues(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var issues []issueView
	if err := sonic.Unmarshal(rec.Body.Bytes(), &issues); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(issues) != 1 || issues[0].ID != "a" {
		t.Fatalf("unexpected issues: %#v", issues)
	}
}

func TestGetTasksOverdueAndOrder(t *testing.T) {
	prev := nowFunc
	nowFunc = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { nowFunc = prev })

	store := &mockStore{records: map[domain.Kind][]domain.Record{
		domain.KindTask: {
			domain.Task{ID: "nodue", MeetingID: "m1", Title: "a", Status: domain.TaskPending},
			domain.Task{ID: "today", MeetingID: "m1", Title: "b", Status: domain.TaskPending, DueDate: "2026-03-10"},
			domain.Task{ID: "late", MeetingID: "m1", Title: "c", Status: domain.TaskInProgress, DueDate: "2026-03-01"},
			domain.Task{ID: "done", MeetingID: "m2", Title: "d", Status: domain.TaskDone, DueDate: "2026-02-01"},
		},
	}}
	c, rec := newContext(http.MethodGet, "/api/tasks", "")
	if err := getTasks(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var tasks []taskView
	if err := sonic.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := map[string]bool{}
	ids := []string{}
	for _, tk := range tasks {
		got[tk.ID] = tk.Overdue
		ids = append(ids, tk.ID)
	}
	if strings.Join(ids, ",") != "done,late,today,nodue" {
		t.Fatalf("unexpected order: %v", ids)
	}
	if !got["late"] || got["today"] || got["done"] || got["nodue"] {
		t.Fatalf("unexpected overdue flags: %v", got)
	}

	c, rec = newContext(http.MethodGet, "/api/tasks?meetingId=m1&status=Pending", "")
	if err := getTasks(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	tasks = nil
	if err := sonic.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 filtered tasks, got %d", len(tasks))
	}
}

func TestGetMeetingsFilterAndOrder(t *testing.T) {
	store := &mockStore{records: map[domain.Kind][]domain.Record{
		domain.KindMeeting: {
			domain.Meeting{ID: "old", Title: "Budget review", Date: "2026-01-01", WorkingGroupID: "g1", CreatedAt: 1},
			domain.Meeting{ID: "new", Title: "Planning", Date: "2026-02-01", WorkingGroupID: "g1", Summary: "budget talk", CreatedAt: 2},
			domain.Meeting{ID: "other", Title: "Budget", Date: "2026-03-01", WorkingGroupID: "g2", CreatedAt: 3},
		},
	}}
	c, rec := newContext(http.MethodGet, "/api/meetings?workingGroupId=g1&q=BUDGET", "")
	if err := getMeetings(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var meetings []domain.Meeting
	if err := sonic.Unmarshal(rec.Body.Bytes(), &meetings); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(meetings) != 2 || meetings[0].ID != "new" || meetings[1].ID != "old" {
		t.Fatalf("unexpected meetings: %#v", meetings)
	}
}

func TestGetMeetingDetail(t *testing.T) {
	store := &mockStore{records: map[domain.Kind][]domain.Record{
		domain.KindMeeting: {domain.Meeting{ID: "m1", Title: "Kickoff", Date: "2026-01-10", WorkingGroupID: "g1"}},
		domain.KindDecision: {
			domain.Decision{ID: "d1", MeetingID: "m1", Title: "Adopt Go", Tags: []string{}},
			domain.Decision{ID: "d2", MeetingID: "m2", Title: "Elsewhere", Tags: []string{}},
		},
		domain.KindTask: {domain.Task{ID: "t1", MeetingID: "m1", Title: "ADR", Status: domain.TaskPending}},
	}}
	c, rec := newContext(http.MethodGet, "/api/meetings/m1", "")
	c.SetParamNames("id")
	c.SetParamValues("m1")
	if err := getMeeting(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var detail meetingDetail
	if err := sonic.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Title != "Kickoff" || len(detail.Decisions) != 1 || len(detail.Tasks) != 1 {
		t.Fatalf("unexpected detail: %#v", detail)
	}

	c, rec = newContext(http.MethodGet, "/api/meetings/missing", "")
	c.SetParamNames("id")
	c.SetParamValues("missing")
	if err := getMeeting(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetDecisionsByTag(t *testing.T) {
	store := &mockStore{records: map[domain.Kind][]domain.Record{
		domain.KindDecision: {
			domain.Decision{ID: "d1", MeetingID: "m1", Title: "a", Tags: []string{"Infra"}, CreatedAt: 1},
			domain.Decision{ID: "d2", MeetingID: "m1", Title: "b", Tags: []string{"budget"}, CreatedAt: 2},
			domain.Decision{ID: "d3", MeetingID: "m2", Title: "c", Tags: []string{"infra"}, CreatedAt: 3},
		},
	}}
	c, rec := newContext(http.MethodGet, "/api/decisions?tag=infra", "")
	if err := getDecisions(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var decisions []domain.Decision
	if err := sonic.Unmarshal(rec.Body.Bytes(), &decisions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decisions) != 2 || decisions[0].ID != "d3" || decisions[1].ID != "d1" {
		t.Fatalf("unexpected decisions: %#v", decisions)
	}
}

func TestListSearch(t *testing.T) {
	store := &mockStore{records: map[domain.Kind][]domain.Record{
		domain.KindWorkingGroup: {domain.WorkingGroup{ID: "g1", Name: "Platform Guild"}},
		domain.KindMeeting: {
			domain.Meeting{ID: "m1", Title: "Budget review", Date: "2024-05-02", WorkingGroupID: "g1"},
			domain.Meeting{ID: "m2", Title: "Retro", Date: "2024-05-09", WorkingGroupID: "g2"},
		},
		domain.KindUser: {domain.User{ID: "u1", Name: "Beatriz"}},
		domain.KindDecision: {
			domain.Decision{ID: "d1", MeetingID: "m2", Title: "Adopt Go", Context: "Faster builds", Tags: []string{"lang"}, CreatedAt: 1},
			domain.Decision{ID: "d2", MeetingID: "m1", Title: "Freeze hiring", Tags: []string{}, CreatedAt: 2},
			domain.Decision{ID: "d3", MeetingID: "m2", Title: "Weekly demos", Tags: []string{"Rituals"}, CreatedAt: 3},
		},
		domain.KindTask: {
			domain.Task{ID: "t1", MeetingID: "m2", Title: "Write RFC", Description: "cover BUILD cache", Status: domain.TaskPending},
			domain.Task{ID: "t2", MeetingID: "m1", Title: "Share numbers", Status: domain.TaskPending},
			domain.Task{ID: "t3", MeetingID: "m2", Title: "Book room", AssigneeID: "u1", Status: domain.TaskPending},
		},
		domain.KindIssue: {
			domain.Issue{ID: "i1", Title: "Flaky CI", Description: "builds time out", Gravity: 1, Urgency: 1, Tendency: 1, Status: domain.IssueOpen},
			domain.Issue{ID: "i2", Title: "Slow reviews", Gravity: 1, Urgency: 1, Tendency: 1, Status: domain.IssueOpen},
		},
	}}

	ids := func(t *testing.T, body []byte) []string {
		t.Helper()
		var rows []struct {
			ID string `json:"id"`
		}
		if err := sonic.Unmarshal(body, &rows); err != nil {
			t.Fatalf("decode: %v", err)
		}
		out := []string{}
		for _, r := range rows {
			out = append(out, r.ID)
		}
		sort.Strings(out)
		return out
	}

	tests := []struct {
		name    string
		target  string
		handler echo.HandlerFunc
		want    []string
	}{
		{name: "decision context", target: "/api/decisions?q=builds", handler: getDecisions(store, mockAuth{}), want: []string{"d1"}},
		{name: "decision tag", target: "/api/decisions?q=ritual", handler: getDecisions(store, mockAuth{}), want: []string{"d3"}},
		{name: "decision meeting title", target: "/api/decisions?q=BUDGET", handler: getDecisions(store, mockAuth{}), want: []string{"d2"}},
		{name: "decision group name", target: "/api/decisions?q=guild", handler: getDecisions(store, mockAuth{}), want: []string{"d2"}},
		{name: "decision no query", target: "/api/decisions", handler: getDecisions(store, mockAuth{}), want: []string{"d1", "d2", "d3"}},
		{name: "task description", target: "/api/tasks?q=build", handler: getTasks(store, mockAuth{}), want: []string{"t1"}},
		{name: "task assignee name", target: "/api/tasks?q=beatriz", handler: getTasks(store, mockAuth{}), want: []string{"t3"}},
		{name: "task meeting title", target: "/api/tasks?q=budget", handler: getTasks(store, mockAuth{}), want: []string{"t2"}},
		{name: "issue title or description", target: "/api/issues?q=builds", handler: getIssues(store, mockAuth{}), want: []string{"i1"}},
		{name: "issue no match", target: "/api/issues?q=nothing", handler: getIssues(store, mockAuth{}), want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(http.MethodGet, tt.target, "")
			if err := tt.handler(c); err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			if got := ids(t, rec.Body.Bytes()); strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestGetMe(t *testing.T) {
	store := &mockStore{records: map[domain.Kind][]domain.Record{
		domain.KindUser: {domain.User{ID: "user", Name: "Ana"}},
	}}
	c, rec := newContext(http.MethodGet, "/api/me", "")
	if err := getMe(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"name":"Ana"`) {
		t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}

	c, rec = newContext(http.MethodGet, "/api/me", "")
	if err := getMe(&mockStore{}, mockAuth{})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetDashboard(t *testing.T) {
	prev := nowFunc
	nowFunc = func() time.Time { return time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { nowFunc = prev })

	issues := []domain.Record{}
	for i := 0; i < 12; i++ {
		issues = append(issues, domain.Issue{ID: string(rune('a' + i)), Title: "x", Gravity: 1 + i%5, Urgency: 2, Tendency: 2, Status: domain.IssueOpen})
	}
	issues = append(issues, domain.Issue{ID: "resolved", Title: "x", Gravity: 5, Urgency: 5, Tendency: 5, Status: domain.IssueResolved})
	store := &mockStore{records: map[domain.Kind][]domain.Record{
		domain.KindWorkingGroup: {domain.WorkingGroup{ID: "g1", Name: "Core"}},
		domain.KindMeeting:      {domain.Meeting{ID: "m1", Title: "t", Date: "2026-01-01", WorkingGroupID: "g1"}},
		domain.KindTask: {
			domain.Task{ID: "t1", MeetingID: "m1", Title: "a", Status: domain.TaskPending, DueDate: "2026-03-01"},
			domain.Task{ID: "t2", MeetingID: "m1", Title: "b", Status: domain.TaskDone},
			domain.Task{ID: "t3", MeetingID: "m1", Title: "c", Status: domain.TaskInProgress},
		},
		domain.KindIssue: issues,
	}}

	c, rec := newContext(http.MethodGet, "/api/dashboard", "")
	if err := getDashboard(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	var resp dashboardResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := dashboardCounts{WorkingGroups: 1, Meetings: 1, Decisions: 0, Tasks: 3, PendingTasks: 2, OverdueTasks: 1, OpenIssues: 12}
	if resp.Counts != want {
		t.Fatalf("unexpected counts: %#v", resp.Counts)
	}
	if len(resp.TopIssues) != dashboardTopIssues {
		t.Fatalf("expected %d top issues, got %d", dashboardTopIssues, len(resp.TopIssues))
	}
	for _, is := range resp.TopIssues {
		if is.ID == "resolved" {
			t.Fatal("resolved issues must not be listed")
		}
	}
	for i := 1; i < len(resp.TopIssues); i++ {
		if resp.TopIssues[i].Score > resp.TopIssues[i-1].Score {
			t.Fatalf("top issues not sorted: %#v", resp.TopIssues)
		}
	}
}

func TestReadHandlersStorageFailure(t *testing.T) {
	store := &mockStore{err: errors.New("table down")}
	c, rec := newContext(http.MethodGet, "/api/working-groups", "")
	if err := getWorkingGroups(store, mockAuth{})(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "table down") {
		t.Fatalf("storage error leaked: %s", rec.Body.String())
	}
}

type pingStore struct {
	noopStore
	err error
}

func (p pingStore) Ping(context.Context) error { return p.err }

type breakerState string

func (b breakerState) State() string { return string(b) }

func TestHealthz(t *testing.T) {
	tests := []struct {
		name       string
		store      Storage
		breaker    CircuitReporter
		wantCode   int
		wantStatus string
		wantLLM    string
	}{
		{name: "healthy", store: pingStore{}, breaker: breakerState("closed"), wantCode: http.StatusOK, wantStatus: "ok", wantLLM: "closed"},
		{name: "no breaker", store: pingStore{}, wantCode: http.StatusOK, wantStatus: "ok"},
		{name: "circuit open", store: pingStore{}, breaker: breakerState("open"), wantCode: http.StatusOK, wantStatus: "degraded", wantLLM: "open"},
		{name: "storage down", store: pingStore{err: errors.New("table down")}, breaker: breakerState("closed"), wantCode: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(http.MethodGet, "/healthz", "")
			if err := healthz(tt.store, tt.breaker)(c); err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantCode != http.StatusOK {
				if strings.Contains(rec.Body.String(), "table down") {
					t.Fatalf("storage error leaked: %s", rec.Body.String())
				}
				return
			}
			var resp healthResponse
			if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.wantStatus || resp.LLM != tt.wantLLM {
				t.Fatalf("unexpected health %#v", resp)
			}
		})
	}
}

func TestCORSPreflightWithoutAuth(t *testing.T) {
	resetCommandSenderForTests()
	t.Cleanup(resetCommandSenderForTests)

	e := echo.New()
	e.Use(CORS())
	Register(e, Deps{Store: noopStore{}, Auth: denyAuth{}, Extractor: &stubExtractor{}, Enqueue: config.Enqueue{Workers: 1}, Log: log.New()})

	for _, path := range []string{"/api/analyze-meeting", "/api/commands", "/api/issues"} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		req.Header.Set(echo.HeaderOrigin, "https://app.example.com")
		req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
		req.Header.Set(echo.HeaderAccessControlRequestHeaders, "authorization, content-type, x-client-info, apikey")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code >= 300 {
			t.Fatalf("%s: expected success, got %d", path, rec.Code)
		}
		if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "*" {
			t.Fatalf("%s: unexpected allow origin %q", path, got)
		}
		allowed := strings.ToLower(rec.Header().Get(echo.HeaderAccessControlAllowHeaders))
		for _, h := range []string{"authorization", "content-type", "x-client-info", "apikey"} {
			if !strings.Contains(allowed, h) {
				t.Fatalf("%s: header %s not allowed: %q", path, h, allowed)
			}
		}
	}
}
