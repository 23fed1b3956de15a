package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/changuard/internal/dispatcher"
	"github.com/tbourn/changuard/internal/http/middleware"
	"github.com/tbourn/changuard/internal/kv/memory"
	"github.com/tbourn/changuard/internal/services"
)

// ---------- fakes ----------

type fakeEngine struct {
	mu       sync.Mutex
	events   []services.Event
	reverify []services.Event
	rescans  [][]int64

	result services.Result
	err    error
	items  []services.RescanItem
}

func (f *fakeEngine) Handle(_ context.Context, ev services.Event) (services.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.result, f.err
}

func (f *fakeEngine) Reverify(_ context.Context, ev services.Event) (services.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverify = append(f.reverify, ev)
	return f.result, f.err
}

func (f *fakeEngine) Rescan(_ context.Context, _ int64, users []int64) ([]services.RescanItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescans = append(f.rescans, users)
	return f.items, f.err
}

type fakeVerifier struct {
	verdict  services.Verdict
	err      error
	prio     dispatcher.Priority
	forgot   [][2]int64
	groupN   int
	groupErr error
}

func (f *fakeVerifier) Evaluate(_ context.Context, userID, groupID int64, p dispatcher.Priority) (services.Verdict, error) {
	f.prio = p
	v := f.verdict
	v.UserID, v.GroupID = userID, groupID
	return v, f.err
}

func (f *fakeVerifier) Forget(_ context.Context, userID, channelID int64) {
	f.forgot = append(f.forgot, [2]int64{userID, channelID})
}

func (f *fakeVerifier) ForgetGroup(context.Context, int64, int64) (int, error) {
	return f.groupN, f.groupErr
}

// ---------- helpers ----------

func newEngineRouter(t *testing.T, e *fakeEngine, v *fakeVerifier) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := memory.New(0)
	t.Cleanup(func() { _ = store.Close() })

	h := New(e, v, nil)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.IdempotencyValidator(middleware.IdempotencyOptions{Store: store}))
	r.POST("/events", h.PostEvent)
	r.POST("/reverify", h.Reverify)
	r.POST("/evaluate", h.Evaluate)
	r.POST("/forget", h.Forget)
	r.POST("/groups/:id/rescan", h.Rescan)
	return r
}

func postJSON(r http.Handler, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (%s)", v, err, w.Body.String())
	}
	return v
}

// ---------- /events ----------

func TestPostEvent_RestrictOutcome(t *testing.T) {
	e := &fakeEngine{result: services.Result{
		Verdict: services.Verdict{GroupID: -100, UserID: 42, Channels: []int64{-1, -2}, Missing: []int64{-2}},
		Outcome: services.Outcome{Action: services.ActionRestrict, Restricted: true, Prompted: true},
	}}
	r := newEngineRouter(t, e, &fakeVerifier{})

	w := postJSON(r, "/events", `{"event_id":"u-1","group_id":-100,"user_id":42}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	resp := decode[EventResponse](t, w)
	if resp.Action != "restrict" || !resp.Restricted || !resp.Prompted {
		t.Fatalf("outcome = %+v", resp)
	}
	if !resp.Verdict.Evaluated || resp.Verdict.Allowed || len(resp.Verdict.Missing) != 1 || len(resp.Verdict.Unknown) != 0 {
		t.Fatalf("verdict = %+v", resp.Verdict)
	}
	if got := e.events[0]; got.ID != "u-1" || got.Trigger != services.TriggerMessage || got.GroupID != -100 {
		t.Fatalf("event = %+v", got)
	}
}

func TestPostEvent_Validation(t *testing.T) {
	e := &fakeEngine{}
	r := newEngineRouter(t, e, &fakeVerifier{})

	for _, body := range []string{
		`{"group_id":-100}`,
		`{"group_id":-100,"user_id":42,"trigger":"reverify"}`,
		`not json`,
	} {
		if w := postJSON(r, "/events", body); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", body, w.Code)
		}
	}
	if len(e.events) != 0 {
		t.Fatalf("engine called on invalid input: %v", e.events)
	}
}

func TestPostEvent_IdempotencyKeyDedups(t *testing.T) {
	e := &fakeEngine{result: services.Result{Outcome: services.Outcome{Action: services.ActionNone}}}
	r := newEngineRouter(t, e, &fakeVerifier{})
	body := `{"group_id":-100,"user_id":42,"trigger":"join"}`

	if w := postJSON(r, "/events", body, middleware.HeaderIdempotencyKey, "upd-7"); w.Code != http.StatusOK {
		t.Fatalf("first: %d", w.Code)
	}
	w := postJSON(r, "/events", body, middleware.HeaderIdempotencyKey, "upd-7")
	if resp := decode[EventResponse](t, w); resp.Action != "duplicate" {
		t.Fatalf("replay action = %q", resp.Action)
	}
	if len(e.events) != 1 {
		t.Fatalf("engine calls = %d; want 1", len(e.events))
	}
	if e.events[0].ID != "upd-7" || e.events[0].Trigger != services.TriggerJoin {
		t.Fatalf("event = %+v", e.events[0])
	}
}

func TestPostEvent_EvaluationErrorReturnsDefaultVerdict(t *testing.T) {
	e := &fakeEngine{
		result: services.Result{
			Verdict: services.Verdict{GroupID: -100, UserID: 42, Allowed: true},
			Outcome: services.Outcome{Action: services.ActionNone},
		},
		err: &services.EvaluationError{GroupID: -100, UserID: 42, Err: errors.New("database is locked")},
	}
	r := newEngineRouter(t, e, &fakeVerifier{})

	w := postJSON(r, "/events", `{"group_id":-100,"user_id":42}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	resp := decode[EventResponse](t, w)
	if resp.Verdict.Evaluated || !resp.Verdict.Allowed || resp.Verdict.Error == "" || resp.Action != "none" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestPostEvent_ActuationFailureIsBadGateway(t *testing.T) {
	e := &fakeEngine{
		result: services.Result{Outcome: services.Outcome{Action: services.ActionRestrict}},
		err:    errors.New("restrictChatMember: not enough rights"),
	}
	r := newEngineRouter(t, e, &fakeVerifier{})

	w := postJSON(r, "/events", `{"group_id":-100,"user_id":42}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", w.Code)
	}
	if er := decode[ErrorResponse](t, w); er.Code != ErrCodeEnforcementFailed || er.RequestID == "" {
		t.Fatalf("error = %+v", er)
	}
}

// ---------- /reverify ----------

func TestReverify(t *testing.T) {
	e := &fakeEngine{result: services.Result{Outcome: services.Outcome{Action: services.ActionUnrestrict}}}
	r := newEngineRouter(t, e, &fakeVerifier{})

	w := postJSON(r, "/reverify", `{"callback_data":"`+services.ReverifyCallbackData(-100, 42)+`"}`)
	if w.Code != http.StatusOK || decode[EventResponse](t, w).Action != "unrestrict" {
		t.Fatalf("callback: %d %s", w.Code, w.Body.String())
	}
	if got := e.reverify[0]; got.GroupID != -100 || got.UserID != 42 {
		t.Fatalf("reverify event = %+v", got)
	}

	if w := postJSON(r, "/reverify", `{"group_id":-100,"user_id":7}`); w.Code != http.StatusOK {
		t.Fatalf("ids: %d", w.Code)
	}
	for _, body := range []string{`{"callback_data":"reverify:x:1"}`, `{"group_id":-100}`} {
		if w := postJSON(r, "/reverify", body); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", body, w.Code)
		}
	}
	if len(e.reverify) != 2 {
		t.Fatalf("reverify calls = %d", len(e.reverify))
	}
}

// ---------- /evaluate ----------

func TestEvaluate(t *testing.T) {
	v := &fakeVerifier{verdict: services.Verdict{Allowed: true, Channels: []int64{-1}}}
	e := &fakeEngine{}
	r := newEngineRouter(t, e, v)

	w := postJSON(r, "/evaluate", `{"group_id":-100,"user_id":42}`)
	resp := decode[VerdictResponse](t, w)
	if w.Code != http.StatusOK || !resp.Allowed || !resp.Evaluated || resp.GroupID != -100 {
		t.Fatalf("evaluate: %d %+v", w.Code, resp)
	}
	if v.prio != dispatcher.Interactive {
		t.Fatalf("default priority = %v", v.prio)
	}

	postJSON(r, "/evaluate", `{"group_id":-100,"user_id":42,"priority":"batch"}`)
	if v.prio != dispatcher.Batch {
		t.Fatalf("priority = %v", v.prio)
	}
	if w := postJSON(r, "/evaluate", `{"group_id":-100,"user_id":42,"priority":"urgent"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad priority: %d", w.Code)
	}
	if len(e.events) != 0 {
		t.Fatal("evaluate must not enforce")
	}

	v.err = &services.EvaluationError{GroupID: -100, UserID: 42, Err: errors.New("timeout")}
	v.verdict = services.Verdict{Allowed: false}
	resp = decode[VerdictResponse](t, postJSON(r, "/evaluate", `{"group_id":-100,"user_id":42}`))
	if resp.Evaluated || resp.Allowed || resp.Error == "" {
		t.Fatalf("fail-closed default = %+v", resp)
	}
}

// ---------- /forget ----------

func TestForget(t *testing.T) {
	v := &fakeVerifier{groupN: 3}
	r := newEngineRouter(t, &fakeEngine{}, v)

	if resp := decode[ForgetResponse](t, postJSON(r, "/forget", `{"user_id":42,"channel_id":-5}`)); resp.Forgotten != 1 {
		t.Fatalf("channel forget = %+v", resp)
	}
	if len(v.forgot) != 1 || v.forgot[0] != [2]int64{42, -5} {
		t.Fatalf("forgot = %v", v.forgot)
	}
	if resp := decode[ForgetResponse](t, postJSON(r, "/forget", `{"user_id":42,"group_id":-100}`)); resp.Forgotten != 3 {
		t.Fatalf("group forget = %+v", resp)
	}
	if w := postJSON(r, "/forget", `{"user_id":42}`); w.Code != http.StatusBadRequest {
		t.Fatalf("no target: %d", w.Code)
	}

	v.groupErr = errors.New("resolve failed")
	if w := postJSON(r, "/forget", `{"user_id":42,"group_id":-100}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("resolver down: %d", w.Code)
	}
}

// ---------- /groups/:id/rescan ----------

func TestRescan(t *testing.T) {
	e := &fakeEngine{items: []services.RescanItem{
		{UserID: 1, Result: services.Result{
			Verdict: services.Verdict{Allowed: true},
			Outcome: services.Outcome{Action: services.ActionNone},
		}},
		{UserID: 2, Result: services.Result{
			Outcome: services.Outcome{Action: services.ActionRestrict},
		}, Err: errors.New("restrict failed")},
	}}
	r := newEngineRouter(t, e, &fakeVerifier{})

	w := postJSON(r, "/groups/-100/rescan", `{"user_ids":[1,2]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	resp := decode[RescanResponse](t, w)
	if resp.GroupID != -100 || resp.Failed != 1 || len(resp.Items) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if !resp.Items[0].Allowed || resp.Items[1].Error == "" || resp.Items[1].Action != "restrict" {
		t.Fatalf("items = %+v", resp.Items)
	}

	if w := postJSON(r, "/groups/abc/rescan", `{"user_ids":[1]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", w.Code)
	}
	if w := postJSON(r, "/groups/-100/rescan", `{"user_ids":[]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty users: %d", w.Code)
	}

	e.err = services.ErrTooManyUsers
	w = postJSON(r, "/groups/-100/rescan", `{"user_ids":[1]}`)
	if w.Code != http.StatusRequestEntityTooLarge || decode[ErrorResponse](t, w).Code != ErrCodeTooManyUsers {
		t.Fatalf("too many: %d %s", w.Code, w.Body.String())
	}
}
