package entities

type KnowledgeEntry struct {
	TenantID string
	Category string
	Title    string
	Content  string
	Enabled  bool
}
