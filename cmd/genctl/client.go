package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"generation-tracker/internal/models"
)

type apiClient struct {
	http *resty.Client
}

type apiError struct {
	Status  int
	Message string
	Field   string
}

func (e *apiError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (field %s, HTTP %d)", e.Message, e.Field, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func newAPIClient(baseURL, tenant string, timeout time.Duration) *apiClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if tenant != "" {
		client.SetHeader("X-Tenant-ID", tenant)
	}
	return &apiClient{http: client}
}

func (c *apiClient) start(ctx context.Context, kind string, input map[string]any) (models.Job, error) {
	var out struct {
		Job models.Job `json:"job"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(input).
		SetResult(&out).
		Post("/generations/" + url.PathEscape(kind))
	if err := checkResponse(resp, err); err != nil {
		return models.Job{}, err
	}
	return out.Job, nil
}

func (c *apiClient) status(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	resp, err := c.http.R().SetContext(ctx).SetResult(&job).Get("/generations/" + url.PathEscape(id))
	if err := checkResponse(resp, err); err != nil {
		return models.Job{}, err
	}
	return job, nil
}

func (c *apiClient) updates(ctx context.Context, id string) (models.UpdateView, error) {
	var view models.UpdateView
	resp, err := c.http.R().SetContext(ctx).SetResult(&view).Get("/generations/" + url.PathEscape(id) + "/updates")
	if err := checkResponse(resp, err); err != nil {
		return models.UpdateView{}, err
	}
	return view, nil
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	var body struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	if jerr := json.Unmarshal(resp.Body(), &body); jerr != nil || body.Error == "" {
		body.Error = resp.Status()
	}
	return &apiError{Status: resp.StatusCode(), Message: body.Error, Field: body.Field}
}
