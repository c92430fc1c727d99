package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrEndpointUnavailable is returned when every configured inference endpoint
// failed for a request.
var ErrEndpointUnavailable = errors.New("inference endpoints unavailable")

// InferenceService talks to the GPU inference service. Requests go to the
// primary endpoint first and to the fallback once if the primary fails.
type InferenceService struct {
	endpoints []string
	apiKey    string
	timeout   time.Duration
	client    *http.Client
	limiter   *rate.Limiter
}

type RunRequest struct {
	JobID      string
	AudioURL   string
	Filename   string
	JobType    string
	WebhookURL string
}

type RunResult struct {
	ExternalJobID string
	Endpoint      string
	Status        string
}

// JobStatus is the service's view of one of its jobs.
type JobStatus struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type runBody struct {
	Input   runInput `json:"input"`
	Webhook string   `json:"webhook,omitempty"`
}

type runInput struct {
	AudioURL string `json:"audio_url"`
	Filename string `json:"filename"`
	JobType  string `json:"job_type"`
	JobID    string `json:"job_id"`
}

func NewInferenceService(primaryURL, fallbackURL, apiKey string, timeout time.Duration) *InferenceService {
	var endpoints []string
	for _, u := range []string{primaryURL, fallbackURL} {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u != "" {
			endpoints = append(endpoints, u)
		}
	}
	return &InferenceService{
		endpoints: endpoints,
		apiKey:    apiKey,
		timeout:   timeout,
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
	}
}

// WithRateLimit caps outbound submissions. Callers block in Submit until the
// limiter admits them or ctx ends.
func (s *InferenceService) WithRateLimit(limiter *rate.Limiter) *InferenceService {
	s.limiter = limiter
	return s
}

// WithHTTPClient replaces the underlying HTTP client.
func (s *InferenceService) WithHTTPClient(client *http.Client) *InferenceService {
	s.client = client
	return s
}

func (s *InferenceService) Endpoints() []string {
	return append([]string(nil), s.endpoints...)
}

// Submit posts a run request, falling back to the secondary endpoint on any
// transport failure or non-2xx response.
func (s *InferenceService) Submit(ctx context.Context, req RunRequest) (*RunResult, error) {
	if len(s.endpoints) == 0 {
		return nil, fmt.Errorf("%w: no endpoints configured", ErrEndpointUnavailable)
	}
	payload, err := json.Marshal(runBody{
		Input: runInput{
			AudioURL: req.AudioURL,
			Filename: req.Filename,
			JobType:  req.JobType,
			JobID:    req.JobID,
		},
		Webhook: req.WebhookURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode run request: %w", err)
	}

	var errs []error
	for _, endpoint := range s.endpoints {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}
		var status JobStatus
		if err := s.do(ctx, http.MethodPost, endpoint+"/run", payload, &status); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
			continue
		}
		if status.ID == "" {
			errs = append(errs, fmt.Errorf("%s: response carried no job id", endpoint))
			continue
		}
		return &RunResult{ExternalJobID: status.ID, Endpoint: endpoint, Status: status.Status}, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrEndpointUnavailable, errors.Join(errs...))
}

// Fetch reads a job's status and output, starting with the endpoint that
// accepted the job when it is known.
func (s *InferenceService) Fetch(ctx context.Context, endpoint, externalJobID string) (*JobStatus, error) {
	order := s.endpoints
	if endpoint = strings.TrimRight(endpoint, "/"); endpoint != "" {
		order = []string{endpoint}
		for _, e := range s.endpoints {
			if e != endpoint {
				order = append(order, e)
			}
		}
	}
	if len(order) > 2 {
		order = order[:2]
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("%w: no endpoints configured", ErrEndpointUnavailable)
	}

	var errs []error
	for _, e := range order {
		var status JobStatus
		if err := s.do(ctx, http.MethodGet, e+"/status/"+url.PathEscape(externalJobID), nil, &status); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e, err))
			continue
		}
		return &status, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrEndpointUnavailable, errors.Join(errs...))
}

func (s *InferenceService) do(ctx context.Context, method, target string, body []byte, out interface{}) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("inference service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
