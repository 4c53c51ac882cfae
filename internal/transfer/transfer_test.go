package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/artifact"
	"github.com/cuongbtq/convo-transfer/internal/conversation"
	"github.com/cuongbtq/convo-transfer/internal/domain"
	"github.com/cuongbtq/convo-transfer/internal/importer"
	"github.com/cuongbtq/convo-transfer/internal/scheduler"
	"github.com/cuongbtq/convo-transfer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu       sync.Mutex
	convos   map[string][]conversation.Conversation
	saveErr  error
	listErr  error
	msgErr   error
	msgCalls int
}

func newMemRepo() *memRepo {
	return &memRepo{convos: make(map[string][]conversation.Conversation)}
}

func (r *memRepo) SaveConversations(_ context.Context, userID string, convos []conversation.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.convos[userID] = append(r.convos[userID], convos...)
	return nil
}

func (r *memRepo) ListConversations(_ context.Context, userID string) ([]conversation.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []conversation.Conversation
	for _, c := range r.convos[userID] {
		c.Messages = nil
		out = append(out, c)
	}
	return out, nil
}

func (r *memRepo) ListMessages(_ context.Context, userID, conversationID string) ([]conversation.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgCalls++
	if r.msgErr != nil {
		return nil, r.msgErr
	}
	for _, c := range r.convos[userID] {
		if c.ConversationID == conversationID {
			return c.Messages, nil
		}
	}
	return nil, nil
}

type fakeStager struct {
	mu     sync.Mutex
	staged map[string][]byte
	err    error
}

func (s *fakeStager) Stage(_ context.Context, jobID string, content []byte) (*artifact.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.staged == nil {
		s.staged = make(map[string][]byte)
	}
	s.staged[jobID] = content
	now := time.Now().UTC()
	return &artifact.Artifact{JobID: jobID, Size: int64(len(content)), CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute)}, nil
}

const libreChatUpload = `{"conversations":[{"conversationId":"c1","title":"Hello","endpoint":"openAI","messages":[
  {"messageId":"m1","parentMessageId":"00000000-0000-0000-0000-000000000000","sender":"User","text":"hi","isCreatedByUser":true},
  {"messageId":"m2","parentMessageId":"m1","sender":"GPT-4","text":"hello","isCreatedByUser":false}
]}]}`

func newWorkerScheduler(t *testing.T, repo *memRepo, stager *fakeStager) *scheduler.Scheduler {
	t.Helper()
	logger := testutil.DiscardLogger()
	s := scheduler.New(testutil.NewMemoryJobStore(nil), scheduler.Config{}, logger)
	require.NoError(t, Register(s,
		NewImportHandler(importer.DefaultRegistry(), repo, logger),
		NewExportHandler(repo, stager, logger),
	))
	return s
}

func TestImport_ScheduledToCompleted(t *testing.T) {
	repo := newMemRepo()
	s := newWorkerScheduler(t, repo, &fakeStager{})
	ctx := context.Background()

	id, err := s.Enqueue(ctx, domain.JobNameImport, []byte(libreChatUpload), "u1")
	require.NoError(t, err)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, job.Status())

	processed, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	job, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, job.Status())

	require.Len(t, repo.convos["u1"], 1)
	imported := repo.convos["u1"][0]
	assert.Equal(t, "Hello", imported.Title)
	assert.NotEqual(t, "c1", imported.ConversationID)
	assert.Len(t, imported.Messages, 2)
}

func TestImport_UnrecognizedPayloadFails(t *testing.T) {
	repo := newMemRepo()
	s := newWorkerScheduler(t, repo, &fakeStager{})
	ctx := context.Background()

	id, err := s.Enqueue(ctx, domain.JobNameImport, []byte(`{"unexpected":"shape"}`), "u1")
	require.NoError(t, err)

	_, err = s.RunOnce(ctx)
	require.NoError(t, err)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, job.Status())
	assert.Contains(t, *job.ErrorMessage, domain.ErrFormatUnrecognized.Error())
	assert.Empty(t, repo.convos)
}

func TestImportHandler_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		saveErr error
		wantErr error
	}{
		{name: "invalid json", payload: `{"conversations": [`, wantErr: domain.ErrFormatUnrecognized},
		{name: "unknown shape", payload: `[1, 2, 3]`, wantErr: domain.ErrFormatUnrecognized},
		{name: "storage failure", payload: libreChatUpload, saveErr: errors.New("deadlock detected"), wantErr: domain.ErrPersistence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			repo.saveErr = tt.saveErr
			h := NewImportHandler(importer.DefaultRegistry(), repo, testutil.DiscardLogger())

			err := h.Handle(context.Background(), domain.Job{ID: "j1", Name: domain.JobNameImport, Payload: []byte(tt.payload), RequesterID: "u1"})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func seedConversations(repo *memRepo, userID string, n int) {
	base := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		repo.convos[userID] = append(repo.convos[userID], conversation.Conversation{
			ConversationID: id,
			UserID:         userID,
			Title:          "conv " + id,
			CreatedAt:      base,
			UpdatedAt:      base,
			Messages: []conversation.Message{
				{MessageID: id + "-1", ConversationID: id, ParentMessageID: conversation.NoParent, Sender: "User", Text: "q", IsCreatedByUser: true, CreatedAt: base},
			},
		})
	}
}

func TestExportHandler_StagesDocument(t *testing.T) {
	repo := newMemRepo()
	seedConversations(repo, "u1", 5)
	seedConversations(repo, "u2", 1)
	stager := &fakeStager{}
	h := NewExportHandler(repo, stager, testutil.DiscardLogger()).WithFetchConcurrency(2)

	err := h.Handle(context.Background(), domain.Job{ID: "job-9", Name: domain.JobNameExport, RequesterID: "u1"})
	require.NoError(t, err)

	content, ok := stager.staged["job-9"]
	require.True(t, ok)

	var doc ExportDocument
	require.NoError(t, json.Unmarshal(content, &doc))
	require.Len(t, doc.Conversations, 5)

	ids := make([]string, 0, len(doc.Conversations))
	for _, c := range doc.Conversations {
		ids = append(ids, c.ConversationID)
		assert.Equal(t, "u1", c.UserID)
		require.Len(t, c.Messages, 1)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
	assert.Equal(t, 5, repo.msgCalls)
}

func TestExportHandler_EmptyHistory(t *testing.T) {
	stager := &fakeStager{}
	h := NewExportHandler(newMemRepo(), stager, testutil.DiscardLogger())

	require.NoError(t, h.Handle(context.Background(), domain.Job{ID: "job-1", RequesterID: "nobody"}))
	assert.Contains(t, string(stager.staged["job-1"]), `"conversations":[]`)
}

func TestExportHandler_RoundTripsThroughImport(t *testing.T) {
	repo := newMemRepo()
	seedConversations(repo, "u1", 2)
	stager := &fakeStager{}
	exp := NewExportHandler(repo, stager, testutil.DiscardLogger())
	require.NoError(t, exp.Handle(context.Background(), domain.Job{ID: "job-1", RequesterID: "u1"}))

	imp, _, err := importer.DefaultRegistry().Select(stager.staged["job-1"])
	require.NoError(t, err)
	assert.Equal(t, "librechat", imp.Name())
}

func TestExportHandler_Errors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*memRepo, *fakeStager)
		wantErr error
	}{
		{
			name:    "list conversations",
			setup:   func(r *memRepo, _ *fakeStager) { r.listErr = errors.New("timeout") },
			wantErr: domain.ErrPersistence,
		},
		{
			name:    "list messages",
			setup:   func(r *memRepo, _ *fakeStager) { r.msgErr = errors.New("timeout") },
			wantErr: domain.ErrPersistence,
		},
		{
			name:    "stage",
			setup:   func(_ *memRepo, s *fakeStager) { s.err = errors.New("no space left on device") },
			wantErr: domain.ErrArtifactStaging,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			seedConversations(repo, "u1", 3)
			stager := &fakeStager{}
			tt.setup(repo, stager)

			err := NewExportHandler(repo, stager, testutil.DiscardLogger()).
				Handle(context.Background(), domain.Job{ID: "j1", RequesterID: "u1"})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegister_RejectsSecondRegistration(t *testing.T) {
	repo := newMemRepo()
	s := newWorkerScheduler(t, repo, &fakeStager{})
	logger := testutil.DiscardLogger()

	err := Register(s, NewImportHandler(importer.DefaultRegistry(), repo, logger), NewExportHandler(repo, &fakeStager{}, logger))
	assert.ErrorIs(t, err, domain.ErrHandlerAlreadyDefined)
}
