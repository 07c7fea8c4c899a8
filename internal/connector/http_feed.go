package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/remaestro/deplyx/internal/models"
)

func init() {
	Register("paloalto", func(cfg *models.ConnectorConfig) (Connector, error) {
		return newHTTPFeed(cfg, "/restapi/v10/topology/export", "X-PAN-KEY")
	})
	Register("cisco_ios", func(cfg *models.ConnectorConfig) (Connector, error) {
		return newHTTPFeed(cfg, "/restconf/data/topology/export", "Authorization")
	})
	Register("aws_sg", func(cfg *models.ConnectorConfig) (Connector, error) {
		return newHTTPFeed(cfg, "/v1/security-groups/export", "Authorization")
	})
}

// httpFeed talks to a vendor gateway that exposes the topology as a mutation
// feed plus validate/simulate/apply endpoints for changes.
type httpFeed struct {
	id         string
	endpoint   string
	exportPath string
	authHeader string
	authValue  string
	client     *http.Client
}

func newHTTPFeed(cfg *models.ConnectorConfig, exportPath, authHeader string) (Connector, error) {
	if cfg.Endpoint == "" {
		return nil, &models.ValidationError{Field: "endpoint", Reason: "endpoint is required"}
	}
	var creds struct {
		APIKey string `json:"api_key"`
		Token  string `json:"token"`
	}
	if cfg.Config != "" {
		if err := json.Unmarshal([]byte(cfg.Config), &creds); err != nil {
			return nil, &models.ValidationError{Field: "config", Reason: "config must be a JSON object"}
		}
	}
	auth := creds.APIKey
	if auth == "" {
		auth = creds.Token
	}
	return &httpFeed{
		id:         cfg.ID,
		endpoint:   cfg.Endpoint,
		exportPath: exportPath,
		authHeader: authHeader,
		authValue:  auth,
		client:     &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (c *httpFeed) ID() string { return c.id }

func (c *httpFeed) Sync(ctx context.Context) ([]models.GraphMutation, error) {
	var feed struct {
		Mutations []models.GraphMutation `json:"mutations"`
	}
	if err := c.getJSON(ctx, c.exportPath, &feed); err != nil {
		return nil, err
	}
	return feed.Mutations, nil
}

func (c *httpFeed) ValidateChange(ctx context.Context, change *models.Change) ([]string, error) {
	var resp struct {
		OK      bool     `json:"ok"`
		Reasons []string `json:"reasons"`
	}
	if err := c.postJSON(ctx, "/changes/validate", change, &resp); err != nil {
		return nil, err
	}
	if resp.OK {
		return nil, nil
	}
	return resp.Reasons, nil
}

func (c *httpFeed) SimulateChange(ctx context.Context, change *models.Change) (*SimulationReport, error) {
	report := &SimulationReport{ConnectorID: c.id, ChangeID: change.ID}
	if err := c.postJSON(ctx, "/changes/simulate", change, report); err != nil {
		return nil, err
	}
	report.ConnectorID = c.id
	report.ChangeID = change.ID
	return report, nil
}

func (c *httpFeed) ApplyChange(ctx context.Context, change *models.Change) (*ExecutionReceipt, error) {
	receipt := &ExecutionReceipt{}
	if err := c.postJSON(ctx, "/changes/apply", change, receipt); err != nil {
		return nil, err
	}
	receipt.ConnectorID = c.id
	receipt.ChangeID = change.ID
	if receipt.ReceiptID == "" {
		receipt.ReceiptID = uuid.NewString()
	}
	if receipt.AppliedAt.IsZero() {
		receipt.AppliedAt = time.Now().UTC()
	}
	return receipt, nil
}

func (c *httpFeed) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *httpFeed) postJSON(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *httpFeed) do(req *http.Request, out any) error {
	if c.authValue != "" {
		req.Header.Set(c.authHeader, c.authValue)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("connector %s: %s returned %d: %s", c.id, req.URL.Path, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
