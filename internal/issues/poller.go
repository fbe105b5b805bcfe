package issues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ehrlich-b/deskrelay/internal/logger"
	"github.com/ehrlich-b/deskrelay/internal/relay"
	"github.com/ehrlich-b/deskrelay/internal/store"
	"github.com/ehrlich-b/deskrelay/internal/ws"
)

const (
	perPage   = 30
	userAgent = "deskrelay-issues/1.0"
)

// Sink delivers commands to the desktop. *relay.Relay satisfies it for an
// in-process poller; WSSink does for a poller talking to a remote relay.
type Sink interface {
	Submit(ctx context.Context, cmd ws.Command) error
}

// CursorStore persists how far the poller has read. *store.Store satisfies it.
type CursorStore interface {
	Cursor(name string) (string, error)
	SetCursor(name, value string) error
}

type Config struct {
	API           string
	Owner         string
	Repo          string
	Issue         int
	Token         string
	OnlyAuthor    string
	DefaultTarget string
	Targets       []string
	Interval      time.Duration
	// Branch and ScreenshotDir place uploaded screenshots in the repository.
	Branch        string
	ScreenshotDir string
	// ReplayBacklog processes comments that existed before the first poll.
	// Off, the first poll only records where the issue currently ends.
	ReplayBacklog bool
}

// Comment is the subset of a GitHub issue comment the poller reads.
type Comment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
}

// cursor is persisted as JSON. Page is the comments page that holds the
// newest comment; it only moves forward as the issue grows.
type cursor struct {
	LastID int64  `json:"last_id"`
	ETag   string `json:"etag,omitempty"`
	Page   int    `json:"page,omitempty"`
	Primed bool   `json:"primed"`
}

// Poller watches one issue's comments and forwards new ones to a Sink.
type Poller struct {
	cfg     Config
	sink    Sink
	cursors CursorStore
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	replier *Replier
	frames  FrameSource
	audit   relay.Recorder

	cur    cursor
	loaded bool
}

func New(cfg Config, sink Sink, cursors CursorStore) *Poller {
	if cfg.API == "" {
		cfg.API = "https://api.github.com"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = DefaultTargets
	}
	client := &http.Client{Timeout: 20 * time.Second}
	return &Poller{
		cfg:     cfg,
		sink:    sink,
		cursors: cursors,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
		replier: newReplier(cfg, client),
	}
}

// SetFrames enables screenshot requests. Without a frame source they are
// logged and skipped.
func (p *Poller) SetFrames(fs FrameSource) { p.frames = fs }

// SetRecorder writes an audit event for every comment acted on.
func (p *Poller) SetRecorder(rec relay.Recorder) { p.audit = rec }

// SetLogger overrides the process logger.
func (p *Poller) SetLogger(l *slog.Logger) { p.logger = l }

func (p *Poller) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return logger.Log
}

func (p *Poller) cursorName() string {
	return fmt.Sprintf("issues/%s/%s/%d", p.cfg.Owner, p.cfg.Repo, p.cfg.Issue)
}

// Run polls until ctx is done. Poll errors are logged and retried on the next
// tick.
func (p *Poller) Run(ctx context.Context) error {
	p.log().Info("polling issue comments",
		"repo", p.cfg.Owner+"/"+p.cfg.Repo, "issue", p.cfg.Issue,
		"interval", p.cfg.Interval, "only_author", p.cfg.OnlyAuthor)
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			// The next tick falls after the deadline.
			<-ctx.Done()
			return ctx.Err()
		}
		n, err := p.Poll(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var rl *RateLimitError
		switch {
		case errors.As(err, &rl):
			p.log().Warn("github rate limit hit", "retry_in", rl.Wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rl.Wait):
			}
		case errors.Is(err, relay.ErrNoAgent):
			p.log().Debug("no agent connected, holding comments")
		case err != nil:
			p.log().Warn("issue poll failed", "err", err)
		case n > 0:
			p.log().Info("comments delivered", "count", n)
		}
	}
}

// RateLimitError reports a 403/429 from GitHub and how long to back off.
type RateLimitError struct {
	Status int
	Wait   time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("github rate limited (%d), retry in %s", e.Status, e.Wait)
}

// Poll fetches comments once and delivers those newer than the cursor in
// ascending id order. It returns how many commands were delivered. Delivery
// stops at the first Sink error; the failed comment and everything after it
// are retried on the next poll.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	if err := p.loadCursor(); err != nil {
		return 0, err
	}

	if p.cur.Page < 1 {
		p.cur.Page = 1
	}

	comments, etag, hasNext, err := p.fetch(ctx, p.cur.Page, p.cur.ETag)
	if err != nil {
		return 0, err
	}
	if comments == nil {
		return 0, nil // 304
	}

	if !p.cur.Primed {
		if !p.cfg.ReplayBacklog {
			return 0, p.prime(ctx, comments, etag, hasNext)
		}
		p.cur.Primed = true
	}

	if len(comments) == 0 && p.cur.Page > 1 {
		// Deleted comments shifted everything back a page.
		p.cur.Page--
		p.cur.ETag = ""
		return 0, p.saveCursor()
	}

	sort.Slice(comments, func(i, j int) bool { return comments[i].ID < comments[j].ID })

	delivered := 0
	for _, c := range comments {
		if c.ID <= p.cur.LastID {
			continue
		}
		if p.cfg.OnlyAuthor != "" && !strings.EqualFold(c.User.Login, p.cfg.OnlyAuthor) {
			p.cur.LastID = c.ID
			continue
		}
		in, ok := Parse(c.Body, p.cfg.Targets, p.cfg.DefaultTarget)
		if !ok {
			p.cur.LastID = c.ID
			continue
		}
		if err := p.deliver(ctx, c, in); err != nil {
			// Forget the ETag so the next poll refetches instead of getting 304.
			p.cur.ETag = ""
			if saveErr := p.saveCursor(); saveErr != nil {
				p.log().Warn("save issue cursor", "err", saveErr)
			}
			return delivered, fmt.Errorf("deliver comment %d: %w", c.ID, err)
		}
		p.cur.LastID = c.ID
		delivered++
	}

	p.cur.ETag = etag
	if hasNext {
		// This page is full; newer comments live on the next one.
		p.cur.Page++
		p.cur.ETag = ""
	}
	return delivered, p.saveCursor()
}

// deliver acts on one parsed comment: a paste goes to the Sink, a screenshot
// request is answered on the issue.
func (p *Poller) deliver(ctx context.Context, c Comment, in Instruction) error {
	if in.Screenshot {
		return p.replyScreenshot(ctx, c)
	}
	if err := p.sink.Submit(ctx, in.Command()); err != nil {
		return err
	}
	p.log().Info("comment delivered", "comment", c.ID, "author", c.User.Login,
		"target", in.Target, "enter", in.Enter, "chars", len(in.Text))
	p.record(c, fmt.Sprintf("paste target=%s enter=%t chars=%d", in.Target, in.Enter, len(in.Text)))
	return nil
}

func (p *Poller) replyScreenshot(ctx context.Context, c Comment) error {
	if p.frames == nil {
		p.log().Warn("screenshot requested but no frame source is configured", "comment", c.ID)
		return nil
	}
	jpeg, taken, err := p.frames.Frame(ctx)
	if errors.Is(err, ErrNoFrame) {
		jpeg = nil
	} else if err != nil {
		return fmt.Errorf("read frame: %w", err)
	}
	link, err := p.replier.ReplyScreenshot(ctx, c.ID, jpeg, taken)
	if err != nil {
		return err
	}
	p.log().Info("screenshot posted", "comment", c.ID, "bytes", len(jpeg), "url", link)
	p.record(c, fmt.Sprintf("screenshot bytes=%d url=%s", len(jpeg), link))
	return nil
}

func (p *Poller) record(c Comment, detail string) {
	if p.audit == nil {
		return
	}
	ev := store.Event{
		Kind:      store.EventIssue,
		SessionID: fmt.Sprintf("comment/%d", c.ID),
		Role:      c.User.Login,
		Detail:    detail,
	}
	if err := p.audit.Append(ev); err != nil {
		p.log().Warn("record issue event", "err", err)
	}
}

// prime walks to the last page, marking every existing comment as seen. The
// cursor only changes once the final page has been read, so a failure part
// way leaves the poller unprimed and the next poll starts over.
func (p *Poller) prime(ctx context.Context, comments []Comment, etag string, hasNext bool) error {
	cur := p.cur
	for {
		for _, c := range comments {
			cur.LastID = max(cur.LastID, c.ID)
		}
		cur.ETag = etag
		if !hasNext {
			break
		}
		cur.Page++
		var err error
		comments, etag, hasNext, err = p.fetch(ctx, cur.Page, "")
		if err != nil {
			return fmt.Errorf("skip backlog: %w", err)
		}
	}
	cur.Primed = true
	p.cur = cur
	p.log().Info("issue cursor initialised, backlog skipped", "last_id", p.cur.LastID, "page", p.cur.Page)
	return p.saveCursor()
}

// fetch does one conditional GET of a comments page. A nil slice with nil
// error means 304. hasNext reports a further page in the Link header.
func (p *Poller) fetch(ctx context.Context, page int, ifNoneMatch string) (comments []Comment, etag string, hasNext bool, err error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments?per_page=%d&page=%d",
		strings.TrimRight(p.cfg.API, "/"), p.cfg.Owner, p.cfg.Repo, p.cfg.Issue, perPage, max(page, 1))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", false, err
	}
	setGitHubHeaders(req, p.cfg.Token)
	if ifNoneMatch != "" {
		req.Header.Set("If-None-Match", ifNoneMatch)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", false, fmt.Errorf("get comments: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return nil, ifNoneMatch, false, nil
	case http.StatusForbidden, http.StatusTooManyRequests:
		if wait, limited := rateLimitWait(resp); limited {
			return nil, "", false, &RateLimitError{Status: resp.StatusCode, Wait: wait}
		}
		fallthrough
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, "", false, fmt.Errorf("get comments: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(&comments); err != nil {
		return nil, "", false, fmt.Errorf("decode comments: %w", err)
	}
	if comments == nil {
		comments = []Comment{}
	}
	hasNext = strings.Contains(resp.Header.Get("Link"), `rel="next"`)
	return comments, resp.Header.Get("ETag"), hasNext, nil
}

// rateLimitWait reads Retry-After or X-RateLimit-Reset.
func rateLimitWait(resp *http.Response) (time.Duration, bool) {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second, true
		}
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			wait := time.Until(time.Unix(reset, 0))
			if wait < time.Second {
				wait = time.Second
			}
			return wait, true
		}
		return time.Minute, true
	}
	return 0, false
}

func (p *Poller) loadCursor() error {
	if p.loaded || p.cursors == nil {
		p.loaded = true
		return nil
	}
	raw, err := p.cursors.Cursor(p.cursorName())
	if err != nil {
		return fmt.Errorf("load issue cursor: %w", err)
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.cur); err != nil {
			p.log().Warn("ignoring unreadable issue cursor", "err", err)
			p.cur = cursor{}
		}
	}
	p.loaded = true
	return nil
}

func (p *Poller) saveCursor() error {
	if p.cursors == nil {
		return nil
	}
	data, err := json.Marshal(p.cur)
	if err != nil {
		return err
	}
	if err := p.cursors.SetCursor(p.cursorName(), string(data)); err != nil {
		return fmt.Errorf("save issue cursor: %w", err)
	}
	return nil
}
