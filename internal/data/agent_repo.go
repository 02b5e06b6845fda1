package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/target/backup-coordinator/internal/core"
	"github.com/target/backup-coordinator/internal/data/pgxutil"
	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

var _ core.AgentRepository = (*AgentRepo)(nil)

const agentColumns = `id, key, name, settings, created_at, updated_at`

// AgentRepo provides database operations for registered agents.
type AgentRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewAgentRepo creates a new AgentRepo.
func NewAgentRepo(db *sql.DB) *AgentRepo {
	return &AgentRepo{DB: db, timeProvider: RealTimeProvider{}}
}

// Create registers an agent. A duplicate key is a Conflict error.
func (r *AgentRepo) Create(ctx context.Context, req *model.CreateAgentRequest) (*model.Agent, error) {
	if req == nil {
		return nil, errors.New("create agent request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	now := r.timeProvider.Now().UTC()
	agent, err := pgxutil.SelectOne(ctx, r.DB, pgx.RowToAddrOfStructByName[model.Agent], `
		INSERT INTO agents (key, name, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING `+agentColumns,
		strings.TrimSpace(req.Key), strings.TrimSpace(req.Name), req.Settings, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", apperrors.MapDBError(err))
	}
	return agent, nil
}

// GetByID returns an agent by ID.
func (r *AgentRepo) GetByID(ctx context.Context, id string) (*model.Agent, error) {
	return r.getOne(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
}

// GetByKey returns an agent by its connection key.
func (r *AgentRepo) GetByKey(ctx context.Context, key string) (*model.Agent, error) {
	return r.getOne(ctx, `SELECT `+agentColumns+` FROM agents WHERE key = $1`, key)
}

func (r *AgentRepo) getOne(ctx context.Context, query, arg string) (*model.Agent, error) {
	agent, err := pgxutil.SelectOne(ctx, r.DB, pgx.RowToAddrOfStructByName[model.Agent], query, arg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFoundf("agent %s not found", arg)
		}
		return nil, fmt.Errorf("get agent: %w", apperrors.MapDBError(err))
	}
	return agent, nil
}

// List returns all agents ordered by key.
func (r *AgentRepo) List(ctx context.Context) ([]*model.Agent, error) {
	agents, err := pgxutil.Select(ctx, r.DB, pgx.RowToAddrOfStructByName[model.Agent],
		`SELECT `+agentColumns+` FROM agents ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// Delete removes an agent. Agents referenced by a job stage cannot be deleted.
func (r *AgentRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete agent: %w", apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete agent rows affected: %w", err)
	}
	return n > 0, nil
}
