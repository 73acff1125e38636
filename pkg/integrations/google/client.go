// Package google reads upcoming Calendar events and open Tasks for the
// authorized user.
package google

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/sipeed/digiclaw/pkg/config"
)

var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

var Scopes = []string{
	"https://www.googleapis.com/auth/tasks",
	"https://www.googleapis.com/auth/calendar",
}

type Client struct {
	calendar *resty.Client
	tasks    *resty.Client
	cfg      config.GoogleConfig
}

type Event struct {
	ID      string
	Summary string
	Start   time.Time
	AllDay  bool
}

type Task struct {
	ID     string
	Title  string
	Due    string
	Status string
	List   string
}

// New loads OAuth client credentials and a saved token from disk and returns
// a client whose requests refresh the token as needed.
func New(ctx context.Context, cfg config.GoogleConfig) (*Client, error) {
	creds, err := os.ReadFile(config.ExpandHome(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	tokenData, err := os.ReadFile(config.ExpandHome(cfg.TokenFile))
	if err != nil {
		return nil, fmt.Errorf("read google token: %w", err)
	}

	oauthCfg, err := parseCredentials(creds)
	if err != nil {
		return nil, err
	}
	token, err := parseToken(tokenData)
	if err != nil {
		return nil, err
	}

	return NewWithHTTPClient(oauthCfg.Client(ctx, token), cfg), nil
}

// NewWithHTTPClient wraps an already-authorized HTTP client.
func NewWithHTTPClient(httpClient *http.Client, cfg config.GoogleConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.googleapis.com/calendar/v3"
	}
	if cfg.TasksBaseURL == "" {
		cfg.TasksBaseURL = "https://tasks.googleapis.com/tasks/v1"
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	return &Client{
		calendar: resty.NewWithClient(httpClient).SetBaseURL(cfg.BaseURL).SetTimeout(30 * time.Second),
		tasks:    resty.NewWithClient(httpClient).SetBaseURL(cfg.TasksBaseURL).SetTimeout(30 * time.Second),
		cfg:      cfg,
	}
}

// parseCredentials accepts the "installed" or "web" client secret layout
// downloaded from the Google console.
func parseCredentials(data []byte) (*oauth2.Config, error) {
	doc := gjson.ParseBytes(data)
	app := doc.Get("installed")
	if !app.Exists() {
		app = doc.Get("web")
	}
	if !app.Exists() {
		return nil, fmt.Errorf("google credentials: missing installed/web section")
	}
	return &oauth2.Config{
		ClientID:     app.Get("client_id").String(),
		ClientSecret: app.Get("client_secret").String(),
		Endpoint:     Endpoint,
		Scopes:       Scopes,
	}, nil
}

// parseToken reads both the x/oauth2 JSON layout and the layout written by
// google-auth ("token" and an expiry without zone).
func parseToken(data []byte) (*oauth2.Token, error) {
	doc := gjson.ParseBytes(data)
	tok := &oauth2.Token{
		AccessToken:  doc.Get("access_token").String(),
		RefreshToken: doc.Get("refresh_token").String(),
		TokenType:    doc.Get("token_type").String(),
	}
	if tok.AccessToken == "" {
		tok.AccessToken = doc.Get("token").String()
	}
	if exp := doc.Get("expiry").String(); exp != "" {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999Z", "2006-01-02T15:04:05.999999"} {
			if t, err := time.Parse(layout, exp); err == nil {
				tok.Expiry = t
				break
			}
		}
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("google token: no access or refresh token")
	}
	return tok, nil
}

func getJSON(ctx context.Context, rc *resty.Client, path string, query map[string]string) (gjson.Result, error) {
	resp, err := rc.R().SetContext(ctx).SetQueryParams(query).Get(path)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("google %s: %w", path, err)
	}
	if resp.IsError() {
		return gjson.Result{}, fmt.Errorf("google %s: status %d: %s", path, resp.StatusCode(),
			gjson.GetBytes(resp.Body(), "error.message").String())
	}
	return gjson.ParseBytes(resp.Body()), nil
}

// UpcomingEvents lists single events starting after from, soonest first.
func (c *Client) UpcomingEvents(ctx context.Context, from time.Time) ([]Event, error) {
	doc, err := getJSON(ctx, c.calendar, "/calendars/"+c.cfg.CalendarID+"/events", map[string]string{
		"timeMin":      from.UTC().Format(time.RFC3339),
		"maxResults":   fmt.Sprint(c.cfg.MaxResults),
		"singleEvents": "true",
		"orderBy":      "startTime",
	})
	if err != nil {
		return nil, err
	}

	var events []Event
	doc.Get("items").ForEach(func(_, item gjson.Result) bool {
		ev := Event{
			ID:      item.Get("id").String(),
			Summary: item.Get("summary").String(),
		}
		if dt := item.Get("start.dateTime").String(); dt != "" {
			t, err := time.Parse(time.RFC3339, dt)
			if err != nil {
				return true
			}
			ev.Start = t
		} else if d := item.Get("start.date").String(); d != "" {
			t, err := time.Parse("2006-01-02", d)
			if err != nil {
				return true
			}
			ev.Start = t
			ev.AllDay = true
		} else {
			return true
		}
		events = append(events, ev)
		return true
	})
	return events, nil
}

// OpenTasks returns incomplete tasks across the user's first task lists.
func (c *Client) OpenTasks(ctx context.Context) ([]Task, error) {
	lists, err := getJSON(ctx, c.tasks, "/users/@me/lists", map[string]string{"maxResults": "10"})
	if err != nil {
		return nil, err
	}

	var out []Task
	for _, list := range lists.Get("items").Array() {
		listID := list.Get("id").String()
		doc, err := getJSON(ctx, c.tasks, "/lists/"+listID+"/tasks", map[string]string{
			"showCompleted": "false",
			"maxResults":    "100",
		})
		if err != nil {
			return out, err
		}
		doc.Get("items").ForEach(func(_, item gjson.Result) bool {
			if strings.EqualFold(item.Get("status").String(), "completed") {
				return true
			}
			out = append(out, Task{
				ID:     item.Get("id").String(),
				Title:  item.Get("title").String(),
				Due:    item.Get("due").String(),
				Status: item.Get("status").String(),
				List:   list.Get("title").String(),
			})
			return true
		})
	}
	return out, nil
}
