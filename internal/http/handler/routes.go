package handler

import (
	"database/sql"

	"github.com/gofiber/fiber/v2"

	"docindex/internal/service"
)

// RegisterRoutes attaches HTTP routes to the provided Fiber app.
func RegisterRoutes(app *fiber.App, db *sql.DB, docSvc service.DocumentService) {
	app.Get("/health", HealthCheck(db))
	app.Get("/healthz", LivenessProbe())

	docs := app.Group("/documents")
	docs.Get("/", ListDocuments(docSvc))
	docs.Post("/", UploadDocument(docSvc))
	// before /:id so "search" is not parsed as an id
	docs.Get("/search", SearchDocuments(docSvc))
	docs.Get("/:id", GetDocument(docSvc))
	docs.Get("/:id/text", GetDocumentText(docSvc))
	docs.Put("/:id/metadata", UpdateMetadata(docSvc))
	docs.Delete("/:id", DeleteDocument(docSvc))
}
