// Package notion reads tasks, deadlines and study materials from a Notion
// workspace through the public REST API.
package notion

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/sipeed/digiclaw/pkg/config"
)

const (
	notionVersion = "2022-06-28"
	maxPages      = 10
)

type Client struct {
	http   *resty.Client
	cfg    config.NotionConfig
	apiKey string
}

// Task is an open page with a Status property.
type Task struct {
	ID     string
	Title  string
	Status string
	URL    string
}

// Deadline is a dated item from the deadlines database. Due keeps the raw
// Notion date string (either YYYY-MM-DD or RFC 3339).
type Deadline struct {
	ID    string
	Title string
	Type  string
	Due   string
}

type StudyMaterial struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// New builds a client. The API key comes from the config or, when empty,
// from the key file.
func New(cfg config.NotionConfig) *Client {
	key := cfg.APIKey
	if key == "" && cfg.APIKeyFile != "" {
		if data, err := os.ReadFile(config.ExpandHome(cfg.APIKeyFile)); err == nil {
			key = strings.TrimSpace(string(data))
		}
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.notion.com/v1"
	}

	httpClient := resty.New().
		SetBaseURL(base).
		SetHeader("Notion-Version", notionVersion).
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second)
	if key != "" {
		httpClient.SetAuthToken(key)
	}

	return &Client{http: httpClient, cfg: cfg, apiKey: key}
}

func (c *Client) Authenticated() bool {
	return c != nil && c.apiKey != ""
}

func (c *Client) post(ctx context.Context, path string, body map[string]interface{}) (gjson.Result, error) {
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(path)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("notion %s: %w", path, err)
	}
	if resp.IsError() {
		msg := gjson.GetBytes(resp.Body(), "message").String()
		return gjson.Result{}, fmt.Errorf("notion %s: status %d: %s", path, resp.StatusCode(), msg)
	}
	return gjson.ParseBytes(resp.Body()), nil
}

// paginate follows next_cursor until exhausted or maxPages is reached.
func (c *Client) paginate(ctx context.Context, path string, body map[string]interface{}, fn func(page gjson.Result)) error {
	for i := 0; i < maxPages; i++ {
		doc, err := c.post(ctx, path, body)
		if err != nil {
			return err
		}
		doc.Get("results").ForEach(func(_, page gjson.Result) bool {
			fn(page)
			return true
		})
		if !doc.Get("has_more").Bool() {
			return nil
		}
		body["start_cursor"] = doc.Get("next_cursor").String()
	}
	return nil
}

// InProgressTasks returns pages whose Status is not done or completed.
func (c *Client) InProgressTasks(ctx context.Context) ([]Task, error) {
	if !c.Authenticated() {
		return nil, nil
	}
	body := map[string]interface{}{
		"filter": map[string]interface{}{"value": "page", "property": "object"},
	}

	var tasks []Task
	err := c.paginate(ctx, "/search", body, func(page gjson.Result) {
		status := page.Get("properties.Status.status.name").String()
		if status == "" {
			status = page.Get("properties.Status.select.name").String()
		}
		if status == "" {
			return
		}
		switch strings.ToLower(status) {
		case "done", "completed":
			return
		}
		tasks = append(tasks, Task{
			ID:     page.Get("id").String(),
			Title:  pageTitle(page),
			Status: status,
			URL:    page.Get("url").String(),
		})
	})
	return tasks, err
}

// Deadlines queries the configured deadlines database.
func (c *Client) Deadlines(ctx context.Context) ([]Deadline, error) {
	if !c.Authenticated() || c.cfg.DeadlinesDatabase == "" {
		return nil, nil
	}
	body := map[string]interface{}{
		"sorts": []map[string]interface{}{
			{"property": c.cfg.DueProperty, "direction": "ascending"},
		},
	}

	var out []Deadline
	path := "/databases/" + c.cfg.DeadlinesDatabase + "/query"
	err := c.paginate(ctx, path, body, func(page gjson.Result) {
		props := page.Get("properties")
		out = append(out, Deadline{
			ID:    page.Get("id").String(),
			Title: richText(props.Get(gjson.Escape(c.cfg.TitleProperty))),
			Type:  selectName(props.Get(gjson.Escape(c.cfg.TypeProperty))),
			Due:   props.Get(gjson.Escape(c.cfg.DueProperty) + ".date.start").String(),
		})
	})
	return out, err
}

// StudyMaterials groups the resources database by course.
func (c *Client) StudyMaterials(ctx context.Context) (map[string][]StudyMaterial, error) {
	out := map[string][]StudyMaterial{}
	if !c.Authenticated() || c.cfg.ResourcesDatabase == "" {
		return out, nil
	}

	path := "/databases/" + c.cfg.ResourcesDatabase + "/query"
	err := c.paginate(ctx, path, map[string]interface{}{}, func(page gjson.Result) {
		props := page.Get("properties")
		course := selectName(props.Get(gjson.Escape(c.cfg.CourseProperty)))
		if course == "" {
			course = richText(props.Get(gjson.Escape(c.cfg.CourseProperty)))
		}
		if course == "" {
			return
		}
		url := props.Get(gjson.Escape(c.cfg.URLProperty) + ".url").String()
		if url == "" {
			url = page.Get("url").String()
		}
		out[course] = append(out[course], StudyMaterial{
			Title: richText(props.Get(gjson.Escape(c.cfg.TitleProperty))),
			URL:   url,
		})
	})
	return out, err
}

func pageTitle(page gjson.Result) string {
	var title string
	page.Get("properties").ForEach(func(_, prop gjson.Result) bool {
		if prop.Get("type").String() == "title" {
			title = richText(prop)
			return false
		}
		return true
	})
	return title
}

// richText concatenates the plain_text runs of a title or rich_text property.
func richText(prop gjson.Result) string {
	var sb strings.Builder
	for _, key := range []string{"title", "rich_text"} {
		prop.Get(key).ForEach(func(_, run gjson.Result) bool {
			sb.WriteString(run.Get("plain_text").String())
			return true
		})
	}
	return sb.String()
}

func selectName(prop gjson.Result) string {
	if n := prop.Get("select.name").String(); n != "" {
		return n
	}
	return prop.Get("status.name").String()
}
