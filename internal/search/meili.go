// Package search mirrors collaborative document content into
// Meilisearch for the non-collaborative read paths. Indexing is
// strictly best-effort: a failed or skipped write never affects the
// durable store.
package search

import (
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const idxDocuments = "coscribe_documents"

// DocumentRecord is the searchable projection of a document mirror.
type DocumentRecord struct {
	ID               string `json:"id"`
	WorkspaceID      string `json:"workspaceId,omitempty"`
	Text             string `json:"text"`
	LastEditedBy     string `json:"lastEditedBy,omitempty"`
	LastEditedByName string `json:"lastEditedByName,omitempty"`
	UpdatedAt        int64  `json:"updatedAt"`
}

// Meili indexes document mirrors, health-gated so an unavailable
// search cluster degrades to a no-op.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     zerolog.Logger
}

// NewMeili creates the client and configures the documents index.
// The instance is usable even when the initial connection fails; it
// recovers through the background health loop.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		log:    log,
	}

	if _, err := client.Health(); err != nil {
		log.Warn().Str("url", url).Err(err).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxDocuments,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug().Err(err).Msg("create index (may already exist)")
	}

	index := m.client.Index(idxDocuments)
	filterable := []interface{}{"workspaceId", "lastEditedBy"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn().Err(err).Msg("update filterable attributes")
	}
	searchable := []string{"text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn().Err(err).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Healthy reports the last observed cluster health.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexDocument upserts a document record, fire-and-forget.
func (m *Meili) IndexDocument(rec DocumentRecord) {
	if m == nil || !m.Healthy() {
		return
	}
	go func() {
		if _, err := m.client.Index(idxDocuments).UpdateDocuments([]DocumentRecord{rec}, nil); err != nil {
			m.log.Warn().Str("document", rec.ID).Err(err).Msg("index document")
		}
	}()
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}
