package store

import "time"

type Document struct {
	ID                  string
	Name                string
	Type                string // pdf | word | excel
	Content             []byte
	CurrentHistoryIndex int
	Tags                []string
	Category            string
	SearchText          string
	OriginalKey         string
	Size                int64
	LastModified        time.Time
	CreatedAt           time.Time
}

type Revision struct {
	DocumentID string
	Index      int
	Content    []byte
	Author     string
	CreatedAt  time.Time
}

type AuditEntry struct {
	ID         int64
	DocumentID string
	ActorID    string
	Action     string
	CreatedAt  time.Time
}
