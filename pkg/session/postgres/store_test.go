package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-sessions/pkg/cursor"
	"github.com/txn2/mcp-sessions/pkg/identity"
	"github.com/txn2/mcp-sessions/pkg/session"
)

const (
	pgTestIdleTimeout = 30 * time.Minute
	pgTestSessID      = "sess-123"
)

var selectColumns = []string{
	"id", "identity", "created_at", "last_activity_at", "custom",
}

func newTestMetadata() *session.Metadata {
	now := time.Now().UTC()
	return &session.Metadata{
		ID: pgTestSessID,
		Identity: &identity.Identity{
			ClaimType:  "sub",
			ClaimValue: "user-abc",
		},
		CreatedAt:      now,
		LastActivityAt: now,
		Custom:         []byte(`{"key":"value"}`),
	}
}

func TestNew(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	assert.Equal(t, db, store.db)
}

func TestSave_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	meta := newTestMetadata()

	identityJSON, err := json.Marshal(meta.Identity)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO sessions").WithArgs(
		meta.ID, identityJSON, meta.CreatedAt, meta.LastActivityAt, meta.Custom,
	).WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Save(context.Background(), meta)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_Anonymous(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	meta := newTestMetadata()
	meta.Identity = nil

	mock.ExpectExec("INSERT INTO sessions").WithArgs(
		meta.ID, nil, meta.CreatedAt, meta.LastActivityAt, meta.Custom,
	).WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Save(context.Background(), meta)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(errors.New("connection refused"))

	err = store.Save(context.Background(), newTestMetadata())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "saving session")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	meta := newTestMetadata()

	identityJSON, err := json.Marshal(meta.Identity)
	require.NoError(t, err)

	rows := sqlmock.NewRows(selectColumns).AddRow(
		meta.ID, identityJSON, meta.CreatedAt, meta.LastActivityAt, meta.Custom,
	)
	mock.ExpectQuery("SELECT .+ FROM sessions").WithArgs(pgTestSessID).WillReturnRows(rows)

	got, err := store.Get(context.Background(), pgTestSessID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pgTestSessID, got.ID)
	assert.Equal(t, "user-abc", got.Identity.ClaimValue)
	assert.JSONEq(t, `{"key":"value"}`, string(got.Custom))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_AnonymousIdentity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	meta := newTestMetadata()

	rows := sqlmock.NewRows(selectColumns).AddRow(
		meta.ID, nil, meta.CreatedAt, meta.LastActivityAt, meta.Custom,
	)
	mock.ExpectQuery("SELECT .+ FROM sessions").WithArgs(pgTestSessID).WillReturnRows(rows)

	got, err := store.Get(context.Background(), pgTestSessID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Identity, "NULL identity column should load as anonymous")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	rows := sqlmock.NewRows(selectColumns)
	mock.ExpectQuery("SELECT .+ FROM sessions").WithArgs("nonexistent").WillReturnRows(rows)

	got, err := store.Get(context.Background(), "nonexistent")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateActivity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	ts := time.Now().UTC()

	mock.ExpectExec("UPDATE sessions").WithArgs(pgTestSessID, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.UpdateActivity(context.Background(), pgTestSessID, ts)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateActivity_Nonexistent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	ts := time.Now().UTC()

	mock.ExpectExec("UPDATE sessions").WithArgs("nonexistent", ts).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.UpdateActivity(context.Background(), "nonexistent", ts)
	assert.NoError(t, err, "zero rows affected should not error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemove(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("DELETE FROM sessions").WithArgs(pgTestSessID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	existed, err := store.Remove(context.Background(), pgTestSessID)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemove_Nonexistent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("DELETE FROM sessions").WithArgs("nonexistent").
		WillReturnResult(sqlmock.NewResult(0, 0))

	existed, err := store.Remove(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	meta := newTestMetadata()

	identityJSON, err := json.Marshal(meta.Identity)
	require.NoError(t, err)

	rows := sqlmock.NewRows(selectColumns).
		AddRow("sess-1", identityJSON, meta.CreatedAt, meta.LastActivityAt, nil).
		AddRow("sess-2", nil, meta.CreatedAt, meta.LastActivityAt, nil)
	mock.ExpectQuery("SELECT .+ FROM sessions").WillReturnRows(rows)

	sessions, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "sess-1", sessions[0].ID)
	assert.Nil(t, sessions[1].Identity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	meta := newTestMetadata()

	// Three rows returned against limit 2 means one more page exists.
	rows := sqlmock.NewRows(selectColumns).
		AddRow("sess-1", nil, meta.CreatedAt, meta.LastActivityAt, nil).
		AddRow("sess-2", nil, meta.CreatedAt, meta.LastActivityAt, nil).
		AddRow("sess-3", nil, meta.CreatedAt, meta.LastActivityAt, nil)
	mock.ExpectQuery("SELECT .+ FROM sessions").WithArgs("", 3).WillReturnRows(rows)

	page, next, err := store.ListPage(context.Background(), "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "sess-2", page[1].ID)
	require.NotEmpty(t, next)

	token, err := cursor.Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", token)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPage_LastPage(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	meta := newTestMetadata()

	rows := sqlmock.NewRows(selectColumns).
		AddRow("sess-3", nil, meta.CreatedAt, meta.LastActivityAt, nil)
	mock.ExpectQuery("SELECT .+ FROM sessions").WithArgs("sess-2", 3).WillReturnRows(rows)

	page, next, err := store.ListPage(context.Background(), cursor.Encode("sess-2"), 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Empty(t, next)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPage_BadCursor(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	_, _, err = store.ListPage(context.Background(), "not-a-cursor", 2)
	assert.Error(t, err)
}

func TestPruneIdle(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id"}).
		AddRow("sess-1").
		AddRow("sess-2").
		AddRow("sess-3")
	mock.ExpectQuery("DELETE FROM sessions").WithArgs(now.Add(-pgTestIdleTimeout)).
		WillReturnRows(rows)

	pruned, err := store.PruneIdle(context.Background(), pgTestIdleTimeout, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1", "sess-2", "sess-3"}, pruned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClear(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("DELETE FROM sessions").
		WillReturnResult(sqlmock.NewResult(0, 5))

	assert.NoError(t, store.Clear(context.Background()))
	assert.NoError(t, store.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
