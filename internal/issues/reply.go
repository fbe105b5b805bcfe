package issues

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/ehrlich-b/deskrelay/internal/relay"
)

// ErrNoFrame means the desktop has not pushed a frame yet.
var ErrNoFrame = errors.New("no frame available")

// FrameSource yields the desktop's latest JPEG and when it was received.
// WSSink reads a remote relay's /frame.jpg; CachedFrames reads an in-process
// relay.
type FrameSource interface {
	Frame(ctx context.Context) ([]byte, time.Time, error)
}

// CachedFrames serves frames straight from a relay's cache.
type CachedFrames struct {
	Cache *relay.FrameCache
}

func (c CachedFrames) Frame(ctx context.Context) ([]byte, time.Time, error) {
	jpeg, at, ok := c.Cache.JPEG()
	if !ok {
		return nil, time.Time{}, ErrNoFrame
	}
	return jpeg, at, nil
}

// Replier writes screenshots back to the issue: the JPEG is committed to the
// repository through the contents API and a comment links to it.
type Replier struct {
	API    string
	Owner  string
	Repo   string
	Issue  int
	Token  string
	Branch string // empty uses the repository default
	Dir    string // repository folder for uploads

	client *http.Client
	now    func() time.Time
}

func newReplier(cfg Config, client *http.Client) *Replier {
	dir := cfg.ScreenshotDir
	if dir == "" {
		dir = "screenshots"
	}
	return &Replier{
		API:    strings.TrimRight(cfg.API, "/"),
		Owner:  cfg.Owner,
		Repo:   cfg.Repo,
		Issue:  cfg.Issue,
		Token:  cfg.Token,
		Branch: cfg.Branch,
		Dir:    dir,
		client: client,
		now:    time.Now,
	}
}

// ReplyScreenshot answers the request in comment requestID. A nil jpeg posts
// a note saying no frame is available. It returns the uploaded file's URL.
func (r *Replier) ReplyScreenshot(ctx context.Context, requestID int64, jpeg []byte, taken time.Time) (string, error) {
	if jpeg == nil {
		body := fmt.Sprintf("%s\n**Desktop screenshot**\nNo frame yet: the desktop agent has not sent one (request %d).\n",
			ReplyMarker, requestID)
		return "", r.comment(ctx, body)
	}

	now := r.now()
	file := path.Join(r.Dir, now.Format("2006/01"), fmt.Sprintf("%s_%d.jpg", now.Format("20060102_150405"), requestID))
	link, err := r.upload(ctx, file, jpeg, fmt.Sprintf("Add desktop screenshot for comment %d", requestID))
	if err != nil {
		return "", err
	}
	body := fmt.Sprintf("%s\n**Desktop screenshot**\n- Request: %d\n- Captured: `%s`\n- File: %s\n\n![screenshot](%s?raw=1)\n",
		ReplyMarker, requestID, taken.Format("2006-01-02 15:04:05 MST"), link, link)
	if err := r.comment(ctx, body); err != nil {
		return "", err
	}
	return link, nil
}

func (r *Replier) upload(ctx context.Context, file string, content []byte, message string) (string, error) {
	payload := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
	}
	if r.Branch != "" {
		payload["branch"] = r.Branch
	}
	var out struct {
		Content struct {
			HTMLURL string `json:"html_url"`
		} `json:"content"`
	}
	url := fmt.Sprintf("%s/repos/%s/%s/contents/%s", r.API, r.Owner, r.Repo, file)
	if err := r.do(ctx, http.MethodPut, url, payload, &out); err != nil {
		return "", fmt.Errorf("upload screenshot: %w", err)
	}
	if out.Content.HTMLURL == "" {
		return file, nil
	}
	return out.Content.HTMLURL, nil
}

func (r *Replier) comment(ctx context.Context, body string) error {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", r.API, r.Owner, r.Repo, r.Issue)
	if err := r.do(ctx, http.MethodPost, url, map[string]string{"body": body}, nil); err != nil {
		return fmt.Errorf("post comment: %w", err)
	}
	return nil
}

func (r *Replier) do(ctx context.Context, method, url string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	setGitHubHeaders(req, r.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusForbidden, http.StatusTooManyRequests:
		if wait, limited := rateLimitWait(resp); limited {
			return &RateLimitError{Status: resp.StatusCode, Wait: wait}
		}
		fallthrough
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func setGitHubHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
