package issues

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/deskrelay/internal/relay"
	"github.com/ehrlich-b/deskrelay/internal/store"
	"github.com/ehrlich-b/deskrelay/internal/ws"
)

// fakeGitHub serves one issue's comments with ETags and Link paging, and
// accepts new comments and repository uploads.
type fakeGitHub struct {
	mu          sync.Mutex
	comments    []Comment
	version     int
	notModified int
	limited     bool
	lastAuth    string
	failPage    int // this page answers 502 once
	uploads     map[string][]byte
	branch      string
}

func (f *fakeGitHub) add(id int64, login, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := Comment{ID: id, Body: body}
	c.User.Login = login
	f.comments = append(f.comments, c)
	f.version++
}

func (f *fakeGitHub) stats() (notModified int, auth string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notModified, f.lastAuth
}

func (f *fakeGitHub) posted() []Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Comment
	for _, c := range f.comments {
		if c.User.Login == "bot" {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeGitHub) uploaded() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.uploads))
	for k, v := range f.uploads {
		out[k] = v
	}
	return out
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAuth = r.Header.Get("Authorization")
	if path, ok := strings.CutPrefix(r.URL.Path, "/repos/o/r/contents/"); ok && r.Method == http.MethodPut {
		f.putContent(w, r, path)
		return
	}
	if r.URL.Path != "/repos/o/r/issues/7/comments" {
		http.NotFound(w, r)
		return
	}
	if r.Method == http.MethodPost {
		var in struct {
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c := Comment{ID: int64(1000 + len(f.comments)), Body: in.Body}
		c.User.Login = "bot"
		f.comments = append(f.comments, c)
		f.version++
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(c)
		return
	}
	if f.limited {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
		http.Error(w, "rate limited", http.StatusForbidden)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	if page == f.failPage {
		f.failPage = 0
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	etag := fmt.Sprintf(`"v%d-p%d"`, f.version, page)
	if r.Header.Get("If-None-Match") == etag {
		f.notModified++
		w.WriteHeader(http.StatusNotModified)
		return
	}
	start := (page - 1) * perPage
	end := min(start+perPage, len(f.comments))
	out := []Comment{}
	if start < len(f.comments) {
		out = f.comments[start:end]
	}
	if end < len(f.comments) {
		w.Header().Set("Link", fmt.Sprintf(`<http://x/?page=%d>; rel="next"`, page+1))
	}
	w.Header().Set("ETag", etag)
	json.NewEncoder(w).Encode(out)
}

func (f *fakeGitHub) putContent(w http.ResponseWriter, r *http.Request, path string) {
	var in struct {
		Message string `json:"message"`
		Content string `json:"content"`
		Branch  string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Message == "" {
		http.Error(w, "bad upload", http.StatusUnprocessableEntity)
		return
	}
	data, err := base64.StdEncoding.DecodeString(in.Content)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if f.uploads == nil {
		f.uploads = make(map[string][]byte)
	}
	f.uploads[path] = data
	f.branch = in.Branch
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, `{"content":{"path":%q,"html_url":"https://github.test/o/r/blob/main/%s"}}`, path, path)
}

type fakeSink struct {
	mu   sync.Mutex
	cmds []ws.Command
	err  error
}

func (s *fakeSink) Submit(ctx context.Context, cmd ws.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cmds = append(s.cmds, cmd)
	return nil
}

func (s *fakeSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.cmds {
		out = append(out, c.String("text"))
	}
	return out
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestPoller(gh *httptest.Server, sink Sink, cursors CursorStore, mod func(*Config)) *Poller {
	cfg := Config{
		API:           gh.URL,
		Owner:         "o",
		Repo:          "r",
		Issue:         7,
		Token:         "tok",
		DefaultTarget: "lower",
	}
	if mod != nil {
		mod(&cfg)
	}
	return New(cfg, sink, cursors)
}

func mustPoll(t *testing.T, p *Poller) int {
	t.Helper()
	n, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	return n
}

func TestPollSkipsBacklogThenDelivers(t *testing.T) {
	gh := &fakeGitHub{}
	gh.add(1, "me", "old one")
	gh.add(2, "me", "old two")
	srv := httptest.NewServer(gh)
	defer srv.Close()

	sink := &fakeSink{}
	p := newTestPoller(srv, sink, openStore(t), nil)

	if n := mustPoll(t, p); n != 0 {
		t.Fatalf("first poll delivered %d, want backlog skipped", n)
	}
	if p.cur.LastID != 2 {
		t.Fatalf("last id = %d", p.cur.LastID)
	}
	if _, auth := gh.stats(); auth != "Bearer tok" {
		t.Fatalf("authorization = %q", auth)
	}

	n := mustPoll(t, p)
	if nm, _ := gh.stats(); n != 0 || nm != 1 {
		t.Fatalf("unchanged issue: delivered %d, 304s %d", n, nm)
	}

	gh.add(3, "me", "upper: hi there")
	if n := mustPoll(t, p); n != 1 {
		t.Fatalf("delivered %d, want 1", n)
	}
	sink.mu.Lock()
	got := sink.cmds[0]
	sink.mu.Unlock()
	if got.Command != ws.CommandPaste || got.String("target") != "upper" || got.String("text") != "hi there" || !got.Bool("enter", false) {
		t.Fatalf("command = %+v", got)
	}
}

func TestPollReplayBacklogInOrder(t *testing.T) {
	gh := &fakeGitHub{}
	gh.add(30, "me", "third")
	gh.add(10, "me", "first")
	gh.add(20, "someone", "not mine")
	gh.add(25, "ME", "second")
	gh.add(26, "me", "   ")
	srv := httptest.NewServer(gh)
	defer srv.Close()

	sink := &fakeSink{}
	p := newTestPoller(srv, sink, nil, func(c *Config) {
		c.ReplayBacklog = true
		c.OnlyAuthor = "me"
	})

	if n := mustPoll(t, p); n != 3 {
		t.Fatalf("delivered %d, want 3", n)
	}
	got := sink.texts()
	want := []string{"first", "second", "third"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("texts = %q, want %q", got, want)
	}
	if p.cur.LastID != 30 {
		t.Fatalf("last id = %d", p.cur.LastID)
	}
}

func TestPollHoldsCommentsWithoutAgent(t *testing.T) {
	gh := &fakeGitHub{}
	srv := httptest.NewServer(gh)
	defer srv.Close()

	sink := &fakeSink{}
	p := newTestPoller(srv, sink, openStore(t), nil)
	mustPoll(t, p) // prime on an empty issue

	gh.add(5, "me", "one")
	gh.add(6, "me", "two")
	sink.err = relay.ErrNoAgent
	n, err := p.Poll(context.Background())
	if !errors.Is(err, relay.ErrNoAgent) || n != 0 {
		t.Fatalf("poll = %d, %v; want ErrNoAgent", n, err)
	}
	if p.cur.LastID != 0 {
		t.Fatalf("cursor advanced to %d without delivery", p.cur.LastID)
	}

	sink.err = nil
	if n := mustPoll(t, p); n != 2 {
		t.Fatalf("delivered %d after agent returned, want 2", n)
	}
	if nm, _ := gh.stats(); nm != 0 {
		t.Fatal("held comments were hidden behind a 304")
	}
}

func TestPollCursorSurvivesRestart(t *testing.T) {
	gh := &fakeGitHub{}
	gh.add(1, "me", "old")
	srv := httptest.NewServer(gh)
	defer srv.Close()

	st := openStore(t)
	sink := &fakeSink{}
	mustPoll(t, newTestPoller(srv, sink, st, nil))
	gh.add(2, "me", "new")
	if n := mustPoll(t, newTestPoller(srv, sink, st, nil)); n != 1 {
		t.Fatalf("restarted poller delivered %d, want 1", n)
	}
	if n := mustPoll(t, newTestPoller(srv, sink, st, nil)); n != 0 {
		t.Fatalf("second restart redelivered %d", n)
	}
	if got := sink.texts(); len(got) != 1 || got[0] != "new" {
		t.Fatalf("texts = %q", got)
	}
}

func TestPollFollowsPages(t *testing.T) {
	gh := &fakeGitHub{}
	for i := int64(1); i <= perPage+5; i++ {
		gh.add(i, "me", "old")
	}
	srv := httptest.NewServer(gh)
	defer srv.Close()

	sink := &fakeSink{}
	p := newTestPoller(srv, sink, nil, nil)
	mustPoll(t, p)
	if p.cur.LastID != perPage+5 {
		t.Fatalf("prime stopped at %d", p.cur.LastID)
	}

	// Fill page two and spill onto page three.
	for i := int64(perPage + 6); i <= 2*perPage+2; i++ {
		gh.add(i, "me", "msg "+strconv.FormatInt(i, 10))
	}
	total := mustPoll(t, p) + mustPoll(t, p)
	if total != perPage-3 {
		t.Fatalf("delivered %d across pages, want %d", total, perPage-3)
	}
	if p.cur.LastID != 2*perPage+2 {
		t.Fatalf("last id = %d", p.cur.LastID)
	}
}

func TestPollRateLimited(t *testing.T) {
	gh := &fakeGitHub{limited: true}
	srv := httptest.NewServer(gh)
	defer srv.Close()

	p := newTestPoller(srv, &fakeSink{}, nil, nil)
	_, err := p.Poll(context.Background())
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.Wait <= 0 || rl.Wait > time.Minute+time.Second {
		t.Fatalf("wait = %s", rl.Wait)
	}
}

func TestPollServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestPoller(srv, &fakeSink{}, nil, nil)
	if _, err := p.Poll(context.Background()); err == nil {
		t.Fatal("500 did not fail the poll")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	gh := &fakeGitHub{}
	srv := httptest.NewServer(gh)
	defer srv.Close()

	p := newTestPoller(srv, &fakeSink{}, nil, func(c *Config) { c.Interval = 10 * time.Millisecond })
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v", err)
	}
}

func TestPrimeFailureKeepsBacklogSkipped(t *testing.T) {
	gh := &fakeGitHub{failPage: 2}
	for i := int64(1); i <= perPage+15; i++ {
		gh.add(i, "me", "old "+strconv.FormatInt(i, 10))
	}
	srv := httptest.NewServer(gh)
	defer srv.Close()

	st := openStore(t)
	sink := &fakeSink{}
	p := newTestPoller(srv, sink, st, nil)

	if _, err := p.Poll(context.Background()); err == nil {
		t.Fatal("page 2 failure was not reported")
	}
	if p.cur.Primed || p.cur.LastID != 0 || p.cur.Page != 1 {
		t.Fatalf("cursor after failed prime = %+v, want untouched", p.cur)
	}
	if raw, _ := st.Cursor(p.cursorName()); raw != "" {
		t.Fatalf("failed prime was persisted: %s", raw)
	}

	if n := mustPoll(t, p); n != 0 {
		t.Fatalf("retry delivered %d old comments", n)
	}
	if got := sink.texts(); len(got) != 0 {
		t.Fatalf("backlog pasted after priming failure: %q", got)
	}
	if p.cur.LastID != perPage+15 {
		t.Fatalf("last id = %d", p.cur.LastID)
	}

	gh.add(perPage+16, "me", "fresh")
	if n := mustPoll(t, p); n != 1 {
		t.Fatalf("delivered %d, want 1", n)
	}
	if got := sink.texts(); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("texts = %q", got)
	}
}

type fakeFrames struct {
	jpeg []byte
	at   time.Time
}

func (f fakeFrames) Frame(ctx context.Context) ([]byte, time.Time, error) {
	if f.jpeg == nil {
		return nil, time.Time{}, ErrNoFrame
	}
	return f.jpeg, f.at, nil
}

func TestScreenshotRequestPostsFrame(t *testing.T) {
	gh := &fakeGitHub{}
	srv := httptest.NewServer(gh)
	defer srv.Close()

	st := openStore(t)
	sink := &fakeSink{}
	p := newTestPoller(srv, sink, st, func(c *Config) { c.Branch = "shots" })
	p.SetFrames(fakeFrames{jpeg: []byte{0xff, 0xd8, 0xff}, at: time.Unix(1700000000, 0)})
	p.SetRecorder(st)
	mustPoll(t, p)

	gh.add(1, "me", "Remote Screenshot Request\nFrom: phone\n\nscreenshot")
	if n := mustPoll(t, p); n != 1 {
		t.Fatalf("delivered %d, want 1", n)
	}
	if got := sink.texts(); len(got) != 0 {
		t.Fatalf("screenshot request was pasted: %q", got)
	}

	uploads := gh.uploaded()
	if len(uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(uploads))
	}
	var path string
	for k, v := range uploads {
		path = k
		if string(v) != "\xff\xd8\xff" {
			t.Fatalf("uploaded %x", v)
		}
	}
	if !strings.HasPrefix(path, "screenshots/") || !strings.HasSuffix(path, "_1.jpg") {
		t.Fatalf("upload path = %q", path)
	}
	gh.mu.Lock()
	branch := gh.branch
	gh.mu.Unlock()
	if branch != "shots" {
		t.Fatalf("branch = %q", branch)
	}

	replies := gh.posted()
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
	body := replies[0].Body
	if !strings.Contains(body, ReplyMarker) || !strings.Contains(body, "https://github.test/o/r/blob/main/"+path+"?raw=1") {
		t.Fatalf("reply body = %q", body)
	}

	// The reply itself is read back on the next poll and ignored.
	if n := mustPoll(t, p); n != 0 {
		t.Fatalf("reply was acted on: delivered %d", n)
	}
	if len(gh.uploaded()) != 1 || len(gh.posted()) != 1 {
		t.Fatal("reply triggered another screenshot")
	}

	evs, err := st.Recent(10, store.EventIssue)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].SessionID != "comment/1" || !strings.HasPrefix(evs[0].Detail, "screenshot") {
		t.Fatalf("audit = %+v", evs)
	}
}

func TestScreenshotWithoutFrame(t *testing.T) {
	gh := &fakeGitHub{}
	srv := httptest.NewServer(gh)
	defer srv.Close()

	p := newTestPoller(srv, &fakeSink{}, nil, nil)
	p.SetFrames(fakeFrames{})
	mustPoll(t, p)

	gh.add(1, "me", "/screenshot")
	if n := mustPoll(t, p); n != 1 {
		t.Fatalf("delivered %d, want 1", n)
	}
	if len(gh.uploaded()) != 0 {
		t.Fatal("uploaded without a frame")
	}
	replies := gh.posted()
	if len(replies) != 1 || !strings.Contains(replies[0].Body, "No frame yet") {
		t.Fatalf("replies = %+v", replies)
	}
}

func TestPasteIsAudited(t *testing.T) {
	gh := &fakeGitHub{}
	srv := httptest.NewServer(gh)
	defer srv.Close()

	st := openStore(t)
	p := newTestPoller(srv, &fakeSink{}, st, nil)
	p.SetRecorder(st)
	mustPoll(t, p)

	gh.add(4, "me", "upper: go")
	mustPoll(t, p)
	evs, err := st.Recent(10, store.EventIssue)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Role != "me" || evs[0].Detail != "paste target=upper enter=true chars=2" {
		t.Fatalf("audit = %+v", evs)
	}
}
