package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/target/backup-coordinator/config"
	"github.com/target/backup-coordinator/internal/domain/model"
)

// opsClient calls the controller operations API.
type opsClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newOpsClient(cfg config.AdminConfig) *opsClient {
	return &opsClient{
		baseURL: cfg.CoordinatorURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// opsError is the error body written by the controller.
type opsError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *opsError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("coordinator returned %d", e.Status)
	}
	return fmt.Sprintf("coordinator returned %d (%s): %s", e.Status, e.Code, e.Message)
}

func (c *opsClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		e := &opsError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(e)
		return e
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Trigger starts a manual run.
func (c *opsClient) Trigger(ctx context.Context, jobID string, bt model.BackupType) (*model.JobRun, error) {
	var run model.JobRun
	body := map[string]model.BackupType{"backup_type": bt}
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(jobID)+"/runs", body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Cancel requests cancellation of an active run.
func (c *opsClient) Cancel(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// Sessions lists live agent sessions.
func (c *opsClient) Sessions(ctx context.Context) ([]model.AgentSession, error) {
	var out []model.AgentSession
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func runTrigger(cmdCtx *commandContext, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: trigger <jobID> [full|diff|log]")
	}
	bt := model.BackupTypeFull
	if len(args) == 2 {
		parsed, err := model.ParseBackupType(args[1])
		if err != nil {
			return err
		}
		bt = parsed
	}
	run, err := newOpsClient(cmdCtx.Admin).Trigger(cmdCtx.Ctx, args[0], bt)
	if err != nil {
		return err
	}
	return writef(cmdCtx.Out, "run %s started (%s, job %s)\n", run.ID, run.BackupType, run.JobID)
}

func runCancel(cmdCtx *commandContext, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: cancel <runID>")
	}
	if err := newOpsClient(cmdCtx.Admin).Cancel(cmdCtx.Ctx, args[0]); err != nil {
		return err
	}
	return writef(cmdCtx.Out, "run %s cancelling\n", args[0])
}

func runSessions(cmdCtx *commandContext, _ []string) error {
	sessions, err := newOpsClient(cmdCtx.Admin).Sessions(cmdCtx.Ctx)
	if err != nil {
		return err
	}
	return printSessions(cmdCtx.Out, sessions, time.Now())
}

func printSessions(out io.Writer, sessions []model.AgentSession, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if err := writeln(w, "KEY\tPROTOCOL\tCONNECTED\tUPTIME\tCONNECTION"); err != nil {
		return err
	}
	for _, s := range sessions {
		if err := writef(w, "%s\t%d\t%s\t%s\t%s\n",
			s.Key, s.ProtocolVersion, s.ConnectedAt.UTC().Format(timeLayout),
			now.Sub(s.ConnectedAt).Round(time.Second), s.ConnectionID); err != nil {
			return err
		}
	}
	return w.Flush()
}
