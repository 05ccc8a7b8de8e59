package proplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Propline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Proposal represents the API proposal model.
type Proposal struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	SubmittingUnit string `json:"submitting_unit"`
	Budget         string `json:"budget"`
	Status         string `json:"status"`
	SubmittedAt    string `json:"submitted_at"`
	UpdatedAt      string `json:"updated_at"`
}

// Endorsement represents one recorded decision.
type Endorsement struct {
	ID           string `json:"id"`
	ProposalID   string `json:"proposal_id"`
	StageOrdinal int    `json:"stage_ordinal"`
	IssuerRole   string `json:"issuer_role"`
	IssuerID     string `json:"issuer_id"`
	Decision     string `json:"decision"`
	Comments     string `json:"comments,omitempty"`
	IssuedAt     string `json:"issued_at"`
}

// StageView is one stage in the derived pipeline view.
type StageView struct {
	Ordinal int    `json:"ordinal"`
	Name    string `json:"name"`
	State   string `json:"state"`
}

// Progress is the ledger-derived view of a proposal.
type Progress struct {
	CurrentStageOrdinal int         `json:"current_stage_ordinal"`
	StageStates         []StageView `json:"stage_states"`
	CompletionPercent   int         `json:"completion_percent"`
}

// ProposalView bundles a proposal with its progress and history.
type ProposalView struct {
	Proposal Proposal      `json:"proposal"`
	Progress Progress      `json:"derived_progress"`
	History  []Endorsement `json:"endorsement_history"`
}

// Report represents a filed progress report.
type Report struct {
	ID             string   `json:"id"`
	ProposalID     string   `json:"proposal_id"`
	ReportType     string   `json:"report_type"`
	SubmittingUnit string   `json:"submitting_unit"`
	Achievements   string   `json:"achievements"`
	NextMilestone  string   `json:"next_milestone,omitempty"`
	Attachments    []string `json:"attachments"`
	SubmittedAt    string   `json:"submitted_at"`
}

// UnitProgress summarizes the reports filed by one unit.
type UnitProgress struct {
	Unit             string  `json:"unit"`
	ReportCount      int     `json:"report_count"`
	MostRecentReport *Report `json:"most_recent_report,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedProposals wraps list responses with cursors.
type PaginatedProposals struct {
	Items      []Proposal `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// SubmitProposal registers a proposal at stage 1.
func (c *Client) SubmitProposal(ctx context.Context, title, unit, budget string) (ProposalView, error) {
	body := map[string]any{
		"title":           title,
		"submitting_unit": unit,
	}
	if budget != "" {
		body["budget"] = budget
	}
	var resp ProposalView
	err := c.do(ctx, http.MethodPost, "v0/proposals", body, &resp)
	return resp, err
}

// GetProposal fetches the proposal with its derived progress and history.
func (c *Client) GetProposal(ctx context.Context, id string) (ProposalView, error) {
	var resp ProposalView
	err := c.do(ctx, http.MethodGet, "v0/proposals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListProposals returns a page of proposals.
func (c *Client) ListProposals(ctx context.Context, status, unit string, limit int, cursor string) (PaginatedProposals, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if unit != "" {
		q.Set("unit", unit)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/proposals"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedProposals
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Endorse records a decision at a stage.
func (c *Client) Endorse(ctx context.Context, proposalID string, stage int, role, decision, comments string) (Endorsement, error) {
	body := map[string]any{
		"stage_ordinal": stage,
		"issuer_role":   role,
		"decision":      decision,
	}
	if comments != "" {
		body["comments"] = comments
	}
	var resp Endorsement
	endpoint := fmt.Sprintf("v0/proposals/%s/endorsements", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Endorsements returns the full decision history for a proposal.
func (c *Client) Endorsements(ctx context.Context, proposalID string) ([]Endorsement, error) {
	var resp []Endorsement
	endpoint := fmt.Sprintf("v0/proposals/%s/endorsements", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitReport files a progress report for an implementing proposal.
func (c *Client) SubmitReport(ctx context.Context, proposalID, reportType, achievements, nextMilestone string, attachments []string) (Report, error) {
	body := map[string]any{
		"report_type":  reportType,
		"achievements": achievements,
	}
	if nextMilestone != "" {
		body["next_milestone"] = nextMilestone
	}
	if len(attachments) > 0 {
		body["attachments"] = attachments
	}
	var resp Report
	endpoint := fmt.Sprintf("v0/proposals/%s/reports", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Reports lists the reports filed for a proposal.
func (c *Client) Reports(ctx context.Context, proposalID string) ([]Report, error) {
	var resp []Report
	endpoint := fmt.Sprintf("v0/proposals/%s/reports", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UnitProgress returns the per-unit report summary.
func (c *Client) UnitProgress(ctx context.Context) ([]UnitProgress, error) {
	var resp []UnitProgress
	err := c.do(ctx, http.MethodGet, "v0/units/progress", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
