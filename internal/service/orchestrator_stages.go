package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/target/backup-coordinator/internal/domain/filter"
	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
	"github.com/target/backup-coordinator/internal/rpc"
)

// StageInput is what a StageSetup sees of the run and the stage it is expanding.
type StageInput struct {
	Run      *model.JobRun
	Stage    *model.JobTask
	AgentKey string
	// Upstream holds the items of the stage this one reads from, in item order.
	Upstream []*model.JobRunTask
}

// StageItem is one planned item of a stage.
type StageItem struct {
	Name          string
	ItemOrder     int
	InputArtifact string
	// MissingInput marks an item that is recorded errored and never dispatched.
	MissingInput error
}

// StagePlan is the item set of a stage plus the filter decisions that produced it.
type StagePlan struct {
	Items     []StageItem
	Decisions []filter.Decision
}

// StageSetup expands one stage into its items.
type StageSetup interface {
	Setup(ctx context.Context, in StageInput) (StagePlan, error)
}

func defaultStageSetups(inv AgentInvoker, listTimeout time.Duration) map[model.TaskType]StageSetup {
	pass := passThroughSetup{}
	return map[model.TaskType]StageSetup{
		model.TaskTypeCreateBackup:  createBackupSetup{rpc: inv, timeout: listTimeout},
		model.TaskTypeDownload:      downloadSetup{rpc: inv, timeout: listTimeout},
		model.TaskTypeCompress:      pass,
		model.TaskTypeUpload:        pass,
		model.TaskTypeDecompress:    pass,
		model.TaskTypeRestoreBackup: pass,
	}
}

// createBackupSetup lists the databases on the stage agent and keeps the ones the filter admits.
type createBackupSetup struct {
	rpc     AgentInvoker
	timeout time.Duration
}

func (s createBackupSetup) Setup(ctx context.Context, in StageInput) (StagePlan, error) {
	conn := in.Stage.Settings.Connection
	if conn == nil {
		return StagePlan{}, apperrors.ValidationField("connection", "create-backup stage requires connection settings")
	}

	raw, err := s.rpc.Invoke(ctx, in.AgentKey, rpc.MethodListDatabases, rpc.ListDatabasesRequest{Connection: *conn}, s.timeout)
	if err != nil {
		return StagePlan{}, fmt.Errorf("list databases on agent %q: %w", in.AgentKey, err)
	}
	var dbs []model.DatabaseInfo
	if err := json.Unmarshal(raw, &dbs); err != nil {
		return StagePlan{}, fmt.Errorf("decode database list: %w", err)
	}

	candidates := make([]filter.Candidate, 0, len(dbs))
	for _, db := range dbs {
		candidates = append(candidates, filter.Candidate{Name: db.Name, HasAccess: db.HasAccess, Database: true})
	}
	decisions := filter.Apply(candidates, filter.RulesFrom(in.Stage.Settings.Filter, conn.Engine))

	plan := StagePlan{Decisions: decisions}
	for _, c := range filter.Included(decisions) {
		plan.Items = append(plan.Items, StageItem{Name: c.Name, ItemOrder: len(plan.Items)})
	}
	return plan, nil
}

// passThroughSetup mirrors the upstream items one to one. Errored upstream items produce no
// downstream item; succeeded items without an artifact produce a MissingInput item.
type passThroughSetup struct{}

func (passThroughSetup) Setup(_ context.Context, in StageInput) (StagePlan, error) {
	var plan StagePlan
	for _, up := range in.Upstream {
		if up.IsError {
			continue
		}
		item := StageItem{Name: up.ItemName, ItemOrder: up.ItemOrder}
		if !up.Succeeded() || up.Artifact() == "" {
			item.MissingInput = fmt.Errorf("stage %d item %q produced no artifact", up.TaskOrder, up.ItemName)
		} else {
			item.InputArtifact = up.Artifact()
		}
		plan.Items = append(plan.Items, item)
	}
	return plan, nil
}

// downloadSetup picks the newest stored artifact per logical item under the storage path.
type downloadSetup struct {
	rpc     AgentInvoker
	timeout time.Duration
}

type storedArtifact struct {
	file model.FileInfo
	at   time.Time
}

func (s downloadSetup) Setup(ctx context.Context, in StageInput) (StagePlan, error) {
	storage := in.Stage.Settings.Storage
	if storage == nil {
		return StagePlan{}, apperrors.ValidationField("storage", "download stage requires storage settings")
	}

	raw, err := s.rpc.Invoke(ctx, in.AgentKey, rpc.MethodListFiles, rpc.ListFilesRequest{Storage: *storage}, s.timeout)
	if err != nil {
		return StagePlan{}, fmt.Errorf("list files on agent %q: %w", in.AgentKey, err)
	}
	var files []model.FileInfo
	if err := json.Unmarshal(raw, &files); err != nil {
		return StagePlan{}, fmt.Errorf("decode file list: %w", err)
	}

	newest := SelectNewestArtifacts(files, in.Run.BackupType)
	candidates := make([]filter.Candidate, 0, len(newest))
	for _, n := range newest {
		candidates = append(candidates, filter.Candidate{Name: n.Item, HasAccess: n.File.HasAccess})
	}
	decisions := filter.Apply(candidates, filter.RulesFrom(in.Stage.Settings.Filter, ""))

	plan := StagePlan{Decisions: decisions}
	for i, d := range decisions {
		if !d.Included() {
			continue
		}
		plan.Items = append(plan.Items, StageItem{
			Name:          d.Name,
			ItemOrder:     len(plan.Items),
			InputArtifact: newest[i].File.Location(),
		})
	}
	return plan, nil
}

// NewestArtifact is the file chosen for one logical item.
type NewestArtifact struct {
	Item string
	File model.FileInfo
}

// SelectNewestArtifacts groups files by logical item and keeps the newest file of each, in
// order of first appearance. On an exact timestamp tie the first listed file wins. Files whose
// name carries a different backup type are ignored; names outside the artifact scheme use
// the base name without extension and the modification time.
func SelectNewestArtifacts(files []model.FileInfo, bt model.BackupType) []NewestArtifact {
	var order []string
	picked := make(map[string]storedArtifact, len(files))
	for _, f := range files {
		item, at, ok := artifactIdentity(f, bt)
		if !ok {
			continue
		}
		cur, seen := picked[item]
		if !seen {
			order = append(order, item)
			picked[item] = storedArtifact{file: f, at: at}
			continue
		}
		if at.After(cur.at) {
			picked[item] = storedArtifact{file: f, at: at}
		}
	}

	out := make([]NewestArtifact, 0, len(order))
	for _, item := range order {
		out = append(out, NewestArtifact{Item: item, File: picked[item].file})
	}
	return out
}

func artifactIdentity(f model.FileInfo, bt model.BackupType) (string, time.Time, bool) {
	if info, ok := model.ParseArtifactName(f.Name); ok {
		if bt != "" && info.BackupType != bt {
			return "", time.Time{}, false
		}
		return info.Item, info.Timestamp, true
	}
	base := path.Base(strings.ReplaceAll(f.Name, `\`, "/"))
	name := strings.TrimSuffix(base, path.Ext(base))
	if name == "" || name == "." {
		return "", time.Time{}, false
	}
	return name, f.ModifiedAt, true
}

// setupStage expands a stage, persists its items and returns them with the stage agent's key.
// MissingInput items are persisted already terminal.
func (o *Orchestrator) setupStage(
	ctx context.Context,
	rs *runState,
	stage *model.JobTask,
	upstream []*model.JobRunTask,
) ([]*model.JobRunTask, string, error) {
	setup, ok := o.setups[stage.Type]
	if !ok {
		return nil, "", apperrors.Validationf("no stage setup for task type %q", stage.Type)
	}
	agent, err := rs.agent(ctx, o.repos.Agents, stage.AgentID)
	if err != nil {
		return nil, "", err
	}
	agentKey := agent.Key

	plan, err := setup.Setup(ctx, StageInput{Run: rs.run, Stage: stage, AgentKey: agentKey, Upstream: upstream})
	if err != nil {
		return nil, agentKey, err
	}
	o.logDecisions(ctx, rs, stage, plan.Decisions)

	now := o.now()
	tasks := make([]*model.JobRunTask, 0, len(plan.Items))
	for _, it := range plan.Items {
		t := &model.JobRunTask{
			JobRunID:  rs.run.ID,
			JobTaskID: stage.ID,
			TaskType:  stage.Type,
			TaskOrder: stage.Order,
			ItemOrder: it.ItemOrder,
			ItemName:  it.Name,
		}
		if it.InputArtifact != "" {
			artifact := it.InputArtifact
			t.InputArtifact = &artifact
		}
		if it.MissingInput != nil {
			completedAt := now
			t.CompletedAt = &completedAt
			t.IsError = true
			t.Result = "MissingInput: " + it.MissingInput.Error()
		}
		tasks = append(tasks, t)
	}
	if err := o.repos.Tasks.CreateBatch(ctx, tasks); err != nil {
		return nil, agentKey, err
	}

	for _, t := range tasks {
		if t.Terminal() {
			o.recordItemTerminal(ctx, rs, t, itemOutcome{IsError: true, Result: t.Result, Err: apperrors.ErrMissingInput})
		}
	}
	rs.logger.InfoContext(ctx, "stage set up",
		"task_order", stage.Order,
		"task_type", stage.Type,
		"agent", agentKey,
		"items", len(tasks),
	)
	return tasks, agentKey, nil
}

func (o *Orchestrator) logDecisions(ctx context.Context, rs *runState, stage *model.JobTask, decisions []filter.Decision) {
	for _, d := range decisions {
		if d.Err != nil {
			rs.logger.WarnContext(ctx, "filter rule rejected candidate",
				"task_order", stage.Order,
				"candidate", d.Name,
				"reason", d.Reason,
				"error", d.Err,
			)
			continue
		}
		rs.logger.DebugContext(ctx, "filter decision",
			"task_order", stage.Order,
			"candidate", d.Name,
			"reason", d.Reason,
			"included", d.Included(),
		)
	}
}
