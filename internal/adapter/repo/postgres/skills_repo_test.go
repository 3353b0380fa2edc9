package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindatlas/mindatlas/internal/adapter/repo/postgres"
	"github.com/mindatlas/mindatlas/internal/domain"
)

func TestSkillRepo_CreateDefaultsAndEncodes(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewSkillRepo(pool)

	s, err := repo.Create(context.Background(), domain.Skill{
		Name:           "weather_report",
		IntentExamples: []string{"what's the weather"},
		Tools:          []string{"get_weather"},
		Steps: []domain.SkillStep{
			{StepOrder: 1, Type: domain.StepTool, ToolName: "get_weather", ArgsFrom: domain.ArgsFromJSON},
			{StepOrder: 2, Type: domain.StepSummary, Instruction: "summarize"},
		},
		Enabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SkillModeSteps, s.Mode)
	assert.NotEmpty(t, s.ID)

	require.Len(t, pool.execs, 1)
	args := pool.execs[0].args
	assert.JSONEq(t, `["what's the weather"]`, string(args[3].([]byte)))
	assert.JSONEq(t, `["get_weather"]`, string(args[4].([]byte)))
	assert.JSONEq(t, `{"enabled":false}`, string(args[7].([]byte)))
}

func TestSkillRepo_CreateNilSlicesEncodeAsEmptyArrays(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewSkillRepo(pool)

	_, err := repo.Create(context.Background(), domain.Skill{Name: "bare"})
	require.NoError(t, err)
	args := pool.execs[0].args
	assert.Equal(t, "[]", string(args[3].([]byte)))
	assert.Equal(t, "[]", string(args[4].([]byte)))
	assert.Equal(t, "[]", string(args[11].([]byte)))
}

func TestSkillRepo_CreateConflictOnName(t *testing.T) {
	pool := &fakePool{}
	pool.execQ = []execResp{execErr(uniqueViolationErr())}
	repo := postgres.NewSkillRepo(pool)

	_, err := repo.Create(context.Background(), domain.Skill{Name: "general_chat"})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestSkillRepo_GetByNameDecodesSteps(t *testing.T) {
	now := time.Now().UTC()
	stepsJSON := []byte(`[{"step_order":1,"type":"analysis","instruction":"extract entities","output_mode":"json","output_fields":["title","tags"]}]`)
	pool := &fakePool{}
	pool.rowQ = append(pool.rowQ, staticRow(
		"sk-1", "smart_capture", "captures entries",
		[]byte(`["记录一下","capture this"]`), []byte(`[]`), "steps", "prompt",
		[]byte(`{"enabled":true}`), true, true, false, stepsJSON, now, now,
	))
	repo := postgres.NewSkillRepo(pool)

	s, err := repo.GetByName(context.Background(), "smart_capture")
	require.NoError(t, err)
	assert.True(t, s.KB.Enabled)
	assert.Equal(t, []string{"记录一下", "capture this"}, s.IntentExamples)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, domain.StepAnalysis, s.Steps[0].Type)
	assert.Equal(t, []string{"title", "tags"}, s.Steps[0].OutputFields)
}

func TestSkillRepo_GetByNameNotFound(t *testing.T) {
	pool := &fakePool{}
	pool.rowQ = append(pool.rowQ, errRow(noRowsErr()))
	repo := postgres.NewSkillRepo(pool)

	_, err := repo.GetByName(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSkillRepo_UpdateNeverTouchesIsSystem(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewSkillRepo(pool)

	_, err := repo.Update(context.Background(), domain.Skill{ID: "sk-1", Name: "x", IsSystem: true})
	require.NoError(t, err)
	assert.NotContains(t, pool.execs[0].sql, "is_system")
}

func TestToolRepo_RemoteConfigRoundTrip(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewToolRepo(pool)

	created, err := repo.Create(context.Background(), domain.AssistantTool{
		Name: "get_weather",
		Kind: domain.ToolKindRemote,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string"},
			},
		},
		Remote: &domain.RemoteToolConfig{
			EndpointURL: "https://api.example.com/weather",
			Method:      "GET",
			QueryParams: map[string]string{"city": "{{city}}"},
			TimeoutSec:  10,
		},
		Enabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ToolKindRemote, created.Kind)

	args := pool.execs[0].args
	remote, ok := args[5].([]byte)
	require.True(t, ok)
	assert.Contains(t, string(remote), "api.example.com")
}

func TestToolRepo_LocalToolStoresNullRemote(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewToolRepo(pool)

	_, err := repo.Create(context.Background(), domain.AssistantTool{Name: "kb_search", Kind: domain.ToolKindLocal})
	require.NoError(t, err)
	assert.Nil(t, pool.execs[0].args[5])
}

func TestToolRepo_GetDecodesRemoteConfig(t *testing.T) {
	now := time.Now().UTC()
	remoteJSON := []byte(`{"endpoint_url":"https://api.example.com","method":"POST","body_type":"json","timeout_sec":5}`)
	pool := &fakePool{}
	pool.rowQ = append(pool.rowQ, staticRow(
		"tl-1", "post_tool", "", "remote", []byte(`{}`), remoteJSON, true, false, now, now,
	))
	repo := postgres.NewToolRepo(pool)

	tool, err := repo.Get(context.Background(), "tl-1")
	require.NoError(t, err)
	require.NotNil(t, tool.Remote)
	assert.Equal(t, "POST", tool.Remote.Method)
	assert.Equal(t, domain.BodyTypeJSON, tool.Remote.BodyType)
}

func TestToolRepo_CreateConflictOnName(t *testing.T) {
	pool := &fakePool{}
	pool.execQ = []execResp{execErr(uniqueViolationErr())}
	repo := postgres.NewToolRepo(pool)

	_, err := repo.Create(context.Background(), domain.AssistantTool{Name: "dup"})
	require.ErrorIs(t, err, domain.ErrConflict)
}
