package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docindex/internal/apperr"
	"docindex/internal/model"
	"docindex/internal/repository"
)

var cols = []string{"id", "file_name", "title", "author", "uploaded_at"}

func newRepo(t *testing.T) (*DocumentPostgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDocumentPostgres(db), mock
}

func testDocument() *model.Document {
	author := "Ada"
	return &model.Document{
		ID:         uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		UploadedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Metadata:   model.DocumentMetadata{FileName: "scan.pdf", Title: "Scan", Author: &author},
	}
}

func TestDocumentPostgres_Create(t *testing.T) {
	ctx := context.Background()
	doc := testDocument()

	t.Run("inserted", func(t *testing.T) {
		repo, mock := newRepo(t)
		rows := sqlmock.NewRows(cols).
			AddRow(doc.ID.String(), doc.Metadata.FileName, doc.Metadata.Title, "Ada", doc.UploadedAt)

		mock.ExpectQuery("INSERT INTO documents").
			WithArgs(doc.ID.String(), "scan.pdf", "Scan", "Ada", doc.UploadedAt).
			WillReturnRows(rows)

		result, err := repo.Create(ctx, doc)

		require.NoError(t, err)
		assert.Equal(t, doc, result)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("null author", func(t *testing.T) {
		repo, mock := newRepo(t)
		anon := *doc
		anon.Metadata.Author = nil
		rows := sqlmock.NewRows(cols).
			AddRow(doc.ID.String(), "scan.pdf", "Scan", nil, doc.UploadedAt)

		mock.ExpectQuery("INSERT INTO documents").
			WithArgs(doc.ID.String(), "scan.pdf", "Scan", nil, doc.UploadedAt).
			WillReturnRows(rows)

		result, err := repo.Create(ctx, &anon)
		require.NoError(t, err)
		assert.Nil(t, result.Metadata.Author)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate id", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectQuery("INSERT INTO documents").
			WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})

		result, err := repo.Create(ctx, doc)
		assert.Nil(t, result)
		assert.ErrorIs(t, err, apperr.ErrPersistence)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("connection failure", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectQuery("INSERT INTO documents").WillReturnError(errors.New("conn reset"))

		_, err := repo.Create(ctx, doc)
		assert.ErrorIs(t, err, apperr.ErrPersistence)
	})
}

func TestDocumentPostgres_FindByID(t *testing.T) {
	ctx := context.Background()
	doc := testDocument()

	t.Run("found", func(t *testing.T) {
		repo, mock := newRepo(t)
		rows := sqlmock.NewRows(cols).
			AddRow(doc.ID.String(), "scan.pdf", "Scan", "Ada", doc.UploadedAt)

		mock.ExpectQuery(`SELECT (.+) FROM documents WHERE id = \$1`).
			WithArgs(doc.ID.String()).
			WillReturnRows(rows)

		got, err := repo.FindByID(ctx, doc.ID)

		require.NoError(t, err)
		assert.Equal(t, doc, got)
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectQuery(`SELECT (.+) FROM documents WHERE id = \$1`).
			WithArgs(doc.ID.String()).
			WillReturnRows(sqlmock.NewRows(cols))

		got, err := repo.FindByID(ctx, doc.ID)

		assert.Nil(t, got)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDocumentPostgres_List(t *testing.T) {
	ctx := context.Background()
	repo, mock := newRepo(t)
	doc := testDocument()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM documents")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, file_name, title, author, uploaded_at FROM documents ORDER BY uploaded_at DESC, id DESC LIMIT 10 OFFSET 0")).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(doc.ID.String(), "scan.pdf", "Scan", "Ada", doc.UploadedAt).
			AddRow(uuid.New().String(), "b.pdf", "B", nil, doc.UploadedAt.Add(-time.Hour)))

	res, err := repo.List(ctx, repository.PageQuery{Limit: 10, Offset: 0})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Items, 2)
	assert.Equal(t, doc.ID, res.Items[0].ID)
	assert.Nil(t, res.Items[1].Metadata.Author)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentPostgres_Update(t *testing.T) {
	ctx := context.Background()
	doc := testDocument()

	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"row updated", 1, true},
		{"no such row", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newRepo(t)
			mock.ExpectExec("UPDATE documents SET file_name = \\$1, title = \\$2, author = \\$3 WHERE id = \\$4").
				WithArgs("scan.pdf", "Scan", "Ada", doc.ID.String()).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			ok, err := repo.Update(ctx, doc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDocumentPostgres_Delete(t *testing.T) {
	ctx := context.Background()
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	t.Run("existing row", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectExec(`DELETE FROM documents WHERE id = \$1`).
			WithArgs(id.String()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := repo.Delete(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("missing row", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectExec(`DELETE FROM documents WHERE id = \$1`).
			WithArgs(id.String()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		ok, err := repo.Delete(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("exec error", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectExec(`DELETE FROM documents`).WillReturnError(errors.New("conn reset"))

		ok, err := repo.Delete(ctx, id)
		assert.False(t, ok)
		assert.ErrorIs(t, err, apperr.ErrPersistence)
	})
}
