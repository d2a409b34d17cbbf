package repository

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

type KnowledgeRepository struct {
	db DB
}

func NewKnowledgeRepository(db DB) *KnowledgeRepository {
	return &KnowledgeRepository{db: db}
}

// ListEnabled returns a tenant's enabled entries ordered by category.
func (r *KnowledgeRepository) ListEnabled(ctx context.Context, tenantID string) ([]entities.KnowledgeEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT category, title, content
		FROM knowledge_entries
		WHERE tenant_id = $1 AND enabled
		ORDER BY category ASC, id ASC
	`, tenantID)
	if err != nil {
		return nil, eris.Wrap(err, "knowledge: list")
	}
	defer rows.Close()

	var entries []entities.KnowledgeEntry
	for rows.Next() {
		e := entities.KnowledgeEntry{TenantID: tenantID, Enabled: true}
		if err := rows.Scan(&e.Category, &e.Title, &e.Content); err != nil {
			return nil, eris.Wrap(err, "knowledge: scan")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "knowledge: iterate")
}
