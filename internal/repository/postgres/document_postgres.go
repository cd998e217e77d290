package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"docindex/internal/apperr"
	"docindex/internal/model"
	"docindex/internal/repository"
)

const uniqueViolation = "23505"

var documentColumns = []string{"id", "file_name", "title", "author", "uploaded_at"}

// Ids are bound as strings: uuid.UUID is a byte array and squirrel.Eq
// would expand it into an IN list.

// DocumentPostgres is a PostgreSQL implementation of repository.DocumentRepository.
// It uses database/sql with squirrel-built parameterized queries and contains no business logic.
type DocumentPostgres struct {
	db *sql.DB
	sb squirrel.StatementBuilderType
}

// NewDocumentPostgres creates a new DocumentPostgres repository.
func NewDocumentPostgres(db *sql.DB) *DocumentPostgres {
	return &DocumentPostgres{
		db: db,
		sb: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

var _ repository.DocumentRepository = (*DocumentPostgres)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*model.Document, error) {
	var (
		d      model.Document
		author sql.NullString
	)
	if err := row.Scan(&d.ID, &d.Metadata.FileName, &d.Metadata.Title, &author, &d.UploadedAt); err != nil {
		return nil, err
	}
	if author.Valid {
		a := author.String
		d.Metadata.Author = &a
	}
	d.UploadedAt = d.UploadedAt.UTC()
	return &d, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// Create inserts a new document row and returns the stored record.
func (r *DocumentPostgres) Create(ctx context.Context, doc *model.Document) (*model.Document, error) {
	q, args, err := r.sb.Insert("documents").
		Columns(documentColumns...).
		Values(doc.ID.String(), doc.Metadata.FileName, doc.Metadata.Title, nullable(doc.Metadata.Author), doc.UploadedAt).
		Suffix("RETURNING id, file_name, title, author, uploaded_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert: %w", err)
	}

	out, err := scanDocument(r.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: document %s already exists", apperr.ErrPersistence, doc.ID)
		}
		return nil, fmt.Errorf("%w: insert document %s: %v", apperr.ErrPersistence, doc.ID, err)
	}
	return out, nil
}

// FindByID fetches a single document by its ID.
func (r *DocumentPostgres) FindByID(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	q, args, err := r.sb.Select(documentColumns...).
		From("documents").
		Where(squirrel.Eq{"id": id.String()}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	d, err := scanDocument(r.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: select document %s: %v", apperr.ErrPersistence, id, err)
	}
	return d, nil
}

// List returns documents using LIMIT/OFFSET pagination and a total count.
func (r *DocumentPostgres) List(ctx context.Context, pq repository.PageQuery) (*repository.PageResult[model.Document], error) {
	qCount, _, err := r.sb.Select("COUNT(*)").From("documents").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count: %w", err)
	}
	var total int
	if err := r.db.QueryRowContext(ctx, qCount).Scan(&total); err != nil {
		return nil, fmt.Errorf("%w: count documents: %v", apperr.ErrPersistence, err)
	}

	qList, args, err := r.sb.Select(documentColumns...).
		From("documents").
		OrderBy("uploaded_at DESC", "id DESC").
		Limit(uint64(pq.Limit)).
		Offset(uint64(pq.Offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, qList, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list documents: %v", apperr.ErrPersistence, err)
	}
	defer rows.Close()

	items := make([]model.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan document: %v", apperr.ErrPersistence, err)
		}
		items = append(items, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list documents: %v", apperr.ErrPersistence, err)
	}

	return &repository.PageResult[model.Document]{
		Items: items,
		Total: total,
	}, nil
}

// Update rewrites the metadata columns of an existing row.
func (r *DocumentPostgres) Update(ctx context.Context, doc *model.Document) (bool, error) {
	q, args, err := r.sb.Update("documents").
		Set("file_name", doc.Metadata.FileName).
		Set("title", doc.Metadata.Title).
		Set("author", nullable(doc.Metadata.Author)).
		Where(squirrel.Eq{"id": doc.ID.String()}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build update: %w", err)
	}
	return r.exec(ctx, q, args, "update document "+doc.ID.String())
}

// Delete removes a document by ID.
func (r *DocumentPostgres) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	q, args, err := r.sb.Delete("documents").Where(squirrel.Eq{"id": id.String()}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build delete: %w", err)
	}
	return r.exec(ctx, q, args, "delete document "+id.String())
}

func (r *DocumentPostgres) exec(ctx context.Context, q string, args []any, op string) (bool, error) {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", apperr.ErrPersistence, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", apperr.ErrPersistence, op, err)
	}
	return n > 0, nil
}
