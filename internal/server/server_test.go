package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"medicare/internal/app"
	"medicare/internal/ratelimit"
	"medicare/pkg/ai"
	"medicare/pkg/domain"
	"medicare/pkg/notify"
	"medicare/pkg/scan"
	"medicare/pkg/sharecode"
	"medicare/pkg/storage"
	"medicare/pkg/store"
)

type fakeVision struct{}

func (fakeVision) GenerateFromImage(_ context.Context, _ string, img ai.Image) (string, error) {
	switch string(img.Data) {
	case "rx":
		return `[{"name":"Concor","dosage":"1 顆","frequency":"Q12H","suggestedTimes":["09:00","21:00"]}]`, nil
	case "bag":
		return "```json\n{\"name\":\"Concor\",\"times\":[\"08:00\"]}\n```", nil
	}
	return "", errors.New("unreadable")
}

type testServer struct {
	url   string
	store *store.Store
}

func newTestServer(t *testing.T, botURL string, limiter *ratelimit.Limiter) *testServer {
	t.Helper()
	media, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	st := store.New(store.NewMemoryKV(0))
	core, err := app.New(app.Config{
		Store:    st,
		Scanner:  scan.New(fakeVision{}),
		Notifier: notify.NewLineClient(botURL),
		Media:    media,
		Location: time.UTC,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv, err := New(Config{App: core, ScanLimiter: limiter, PublicBaseURL: "https://medicare.example"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	hs := httptest.NewServer(srv.Router())
	t.Cleanup(hs.Close)
	return &testServer{url: hs.URL, store: st}
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, url, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func postFiles(t *testing.T, url, field string, files ...string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, content := range files {
		fw, err := mw.CreateFormFile(field, "photo"+string(rune('a'+i))+".jpg")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		_, _ = fw.Write([]byte(content))
	}
	_ = mw.Close()
	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "", nil)
	var body map[string]any
	if code := doJSON(t, http.MethodGet, ts.url+"/healthz", nil, &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" || body["scanEnabled"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestCurrentPatientRequired(t *testing.T) {
	ts := newTestServer(t, "", nil)
	var body map[string]any
	code := doJSON(t, http.MethodGet, ts.url+"/api/patients/current/reminders", nil, &body)
	if code != http.StatusConflict || body["error"] != "select a patient first" {
		t.Fatalf("status = %d body = %v", code, body)
	}
	if code := doJSON(t, http.MethodGet, ts.url+"/api/patients/patient_x/reminders", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown patient status = %d", code)
	}
}

func TestPatientAndReminderFlow(t *testing.T) {
	ts := newTestServer(t, "", nil)

	var p domain.Patient
	if code := doJSON(t, http.MethodPost, ts.url+"/api/patients", map[string]string{"name": "王伯伯"}, &p); code != http.StatusCreated {
		t.Fatalf("create status = %d", code)
	}
	if !strings.HasPrefix(p.ID, "patient_") {
		t.Fatalf("id = %q", p.ID)
	}
	var cur struct {
		Patient *domain.Patient `json:"patient"`
	}
	if code := doJSON(t, http.MethodPut, ts.url+"/api/current-patient", map[string]string{"id": p.ID}, &cur); code != http.StatusOK {
		t.Fatalf("select status = %d", code)
	}
	if cur.Patient == nil || cur.Patient.ID != p.ID {
		t.Fatalf("current = %+v", cur.Patient)
	}

	rem := map[string]any{"time": "08:00", "subItems": []map[string]any{{"name": "Aspirin", "dosage": "1 顆"}}}
	var saved map[string]any
	if code := doJSON(t, http.MethodPost, ts.url+"/api/patients/current/reminders", rem, &saved); code != http.StatusOK {
		t.Fatalf("save status = %d body = %v", code, saved)
	}
	if saved["name"] != "Aspirin" || saved["dosage"] != "1 顆" {
		t.Fatalf("legacy projection = %v", saved)
	}

	var list struct {
		Items []domain.Reminder `json:"items"`
		Count int               `json:"count"`
	}
	doJSON(t, http.MethodGet, ts.url+"/api/patients/"+p.ID+"/reminders", nil, &list)
	if list.Count != 1 {
		t.Fatalf("count = %d", list.Count)
	}

	rid := list.Items[0].ID.String()
	if code := doJSON(t, http.MethodDelete, ts.url+"/api/patients/current/reminders/"+rid, nil, nil); code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}
	doJSON(t, http.MethodGet, ts.url+"/api/patients/current/reminders", nil, &list)
	if list.Count != 0 {
		t.Fatalf("count after delete = %d", list.Count)
	}

	name := "王奶奶"
	var updated domain.Patient
	doJSON(t, http.MethodPatch, ts.url+"/api/patients/"+p.ID, map[string]*string{"name": &name}, &updated)
	if updated.Name != "王奶奶" {
		t.Fatalf("updated = %+v", updated)
	}
	if code := doJSON(t, http.MethodDelete, ts.url+"/api/patients/"+p.ID, nil, nil); code != http.StatusOK {
		t.Fatalf("delete patient status = %d", code)
	}
	doJSON(t, http.MethodGet, ts.url+"/api/current-patient", nil, &cur)
	if cur.Patient != nil {
		t.Fatalf("current after delete = %+v", cur.Patient)
	}
}

func TestExportImport(t *testing.T) {
	ts := newTestServer(t, "", nil)
	var p domain.Patient
	doJSON(t, http.MethodPost, ts.url+"/api/patients", map[string]string{"name": "A"}, &p)
	doJSON(t, http.MethodPost, ts.url+"/api/patients/"+p.ID+"/reminders", map[string]any{"id": "r1", "time": "08:00", "name": "Aspirin"}, nil)

	resp, err := http.Get(ts.url + "/api/patients/" + p.ID + "/export")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	exported, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "attachment") || !strings.HasPrefix(string(exported), "[\n  {") {
		t.Fatalf("export = %q", exported)
	}

	resp, err = http.Post(ts.url+"/api/patients/"+p.ID+"/import", "application/json", strings.NewReader(`{"not":"a list"}`))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad import status = %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.url+"/api/patients/"+p.ID+"/import", "application/json", bytes.NewReader(exported))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import status = %d", resp.StatusCode)
	}
}

func TestShareCodeAndMagicLink(t *testing.T) {
	ts := newTestServer(t, "", nil)
	var src, dst domain.Patient
	doJSON(t, http.MethodPost, ts.url+"/api/patients", map[string]string{"name": "src"}, &src)
	doJSON(t, http.MethodPost, ts.url+"/api/patients", map[string]string{"name": "dst"}, &dst)
	doJSON(t, http.MethodPost, ts.url+"/api/patients/"+src.ID+"/reminders", map[string]any{
		"id": "r1", "time": "08:00", "audioNote": "data:audio/webm;base64,AAAA",
		"subItems": []map[string]any{{"id": "i1", "name": "Aspirin", "referenceImage": "https://example.com/a.png"}},
	}, nil)

	var share struct {
		Code string `json:"code"`
		Link string `json:"link"`
	}
	doJSON(t, http.MethodGet, ts.url+"/api/patients/"+src.ID+"/share-code", nil, &share)
	if share.Code == "" || !strings.HasPrefix(share.Link, "https://medicare.example/import?import=") {
		t.Fatalf("share = %+v", share)
	}
	decoded, err := sharecode.Decode(share.Code)
	if err != nil || len(decoded) != 1 || decoded[0].AudioNote != "" || decoded[0].ReferenceImage() != domain.DefaultImage {
		t.Fatalf("decoded = %+v err = %v", decoded, err)
	}

	if code := doJSON(t, http.MethodPost, ts.url+"/api/patients/"+dst.ID+"/share-code", map[string]string{"code": "%%%"}, nil); code != http.StatusBadRequest {
		t.Fatalf("bad code status = %d", code)
	}

	doJSON(t, http.MethodPut, ts.url+"/api/current-patient", map[string]string{"id": dst.ID}, nil)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(ts.url + "/import?import=" + strings.TrimPrefix(share.Link, "https://medicare.example/import?import="))
	if err != nil {
		t.Fatalf("magic link: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/" {
		t.Fatalf("magic link status = %d location = %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	list, _ := ts.store.ListReminders(context.Background(), dst.ID)
	if len(list) != 1 || list[0].Name() != "Aspirin" {
		t.Fatalf("imported = %+v", list)
	}

	resp, err = client.Get(ts.url + "/import?import=not-base64!")
	if err != nil {
		t.Fatalf("bad magic link: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad magic link status = %d", resp.StatusCode)
	}
}

func TestPushFailureIsRetryable(t *testing.T) {
	bot := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bot down", http.StatusServiceUnavailable)
	}))
	defer bot.Close()
	ts := newTestServer(t, bot.URL, nil)

	var p domain.Patient
	doJSON(t, http.MethodPost, ts.url+"/api/patients", map[string]string{"name": "A", "lineUserId": "U1"}, &p)
	var body map[string]any
	code := doJSON(t, http.MethodPost, ts.url+"/api/patients/"+p.ID+"/push", nil, &body)
	if code != http.StatusBadGateway || body["retryable"] != true {
		t.Fatalf("status = %d body = %v", code, body)
	}

	var noLine domain.Patient
	doJSON(t, http.MethodPost, ts.url+"/api/patients", map[string]string{"name": "B"}, &noLine)
	if code := doJSON(t, http.MethodPost, ts.url+"/api/patients/"+noLine.ID+"/push", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("push without line user status = %d", code)
	}
}

func TestScanReviewOverHTTP(t *testing.T) {
	ts := newTestServer(t, "", nil)
	var p domain.Patient
	doJSON(t, http.MethodPost, ts.url+"/api/patients", map[string]string{"name": "A"}, &p)

	resp := postFiles(t, ts.url+"/api/patients/"+p.ID+"/scans", "file", "rx")
	var sess struct {
		ID      string `json:"id"`
		State   string `json:"state"`
		Entries []struct {
			ID   string `json:"id"`
			Time string `json:"time"`
		} `json:"entries"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&sess)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || len(sess.Entries) != 2 {
		t.Fatalf("start status = %d session = %+v", resp.StatusCode, sess)
	}

	resp = postFiles(t, ts.url+"/api/scans/"+sess.ID+"/bags", "files", "bag", "junk")
	var bags struct {
		Report struct {
			Matched   int `json:"matched"`
			Unmatched int `json:"unmatched"`
		} `json:"report"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&bags)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || bags.Report.Matched != 1 || bags.Report.Unmatched != 1 {
		t.Fatalf("bags status = %d report = %+v", resp.StatusCode, bags.Report)
	}

	if code := doJSON(t, http.MethodPatch, ts.url+"/api/scans/"+sess.ID+"/entries/missing", map[string]string{"time": "07:00"}, nil); code != http.StatusNotFound {
		t.Fatalf("edit missing entry status = %d", code)
	}

	var committed struct {
		Count int `json:"count"`
	}
	if code := doJSON(t, http.MethodPost, ts.url+"/api/scans/"+sess.ID+"/commit", nil, &committed); code != http.StatusOK || committed.Count != 1 {
		t.Fatalf("commit status = %d count = %d", code, committed.Count)
	}
	if code := doJSON(t, http.MethodPost, ts.url+"/api/scans/"+sess.ID+"/commit", nil, nil); code != http.StatusConflict {
		t.Fatalf("second commit status = %d", code)
	}
	if code := doJSON(t, http.MethodGet, ts.url+"/api/scans/unknown", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d", code)
	}
	list, _ := ts.store.ListReminders(context.Background(), p.ID)
	if len(list) != 1 || list[0].Time != "08:00" {
		t.Fatalf("stored = %+v", list)
	}
}

func TestScanRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.New(client, "test:scan", 1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	ts := newTestServer(t, "", limiter)
	var p domain.Patient
	doJSON(t, http.MethodPost, ts.url+"/api/patients", map[string]string{"name": "A"}, &p)

	resp := postFiles(t, ts.url+"/api/patients/"+p.ID+"/scans", "file", "rx")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first scan status = %d", resp.StatusCode)
	}
	resp = postFiles(t, ts.url+"/api/patients/"+p.ID+"/scans", "file", "rx")
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("second scan status = %d", resp.StatusCode)
	}
}

func TestMediaUploadAndServe(t *testing.T) {
	ts := newTestServer(t, "", nil)
	resp := postFiles(t, ts.url+"/api/media", "file", "plain text")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("text upload status = %d", resp.StatusCode)
	}
	resp, err := http.Get(ts.url + "/media/images/missing.jpg")
	if err != nil {
		t.Fatalf("get media: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing media status = %d", resp.StatusCode)
	}
}

func TestNotificationsIdle(t *testing.T) {
	ts := newTestServer(t, "", nil)
	var body map[string]any
	doJSON(t, http.MethodGet, ts.url+"/api/notifications/active", nil, &body)
	if body["active"] != false {
		t.Fatalf("active = %v", body)
	}
	doJSON(t, http.MethodPost, ts.url+"/api/notifications/dismiss", nil, &body)
	if body["dismissed"] != false {
		t.Fatalf("dismissed = %v", body)
	}
}
