package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aikidochris/NEST-sub000/internal/status"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across properties and messages using
// plainto_tsquery and ts_rank, with ts_headline for snippets. Message rows
// are joined through conversation_participants so a viewer only ever sees
// messages from conversations they belong to.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Properties sub-query
	if q.FilterType == "" || q.FilterType == ResultProperty {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'property'::text AS type, p.id, p.label AS title,
				ts_headline('english', coalesce(p.label, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS property_id, ''::text AS conversation_id,
				ts_rank(p.search_tsv, %s) AS rank
			FROM properties p
			WHERE p.search_tsv @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	// Messages sub-query, only when there is a viewer to scope it to.
	if (q.FilterType == "" || q.FilterType == ResultMessage) && q.ViewerUserID != "" {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id, pr.label AS title,
				ts_headline('english', coalesce(m.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.property_id, m.conversation_id,
				ts_rank(m.search_tsv, %s) AS rank
			FROM messages m
			JOIN conversation_participants cp ON cp.conversation_id = m.conversation_id AND cp.user_id = $%d
			JOIN conversations c ON c.id = m.conversation_id
			JOIN properties pr ON pr.id = c.property_id
			WHERE m.search_tsv @@ %s`, tsQuery, tsQuery, argN, tsQuery))
		args = append(args, q.ViewerUserID)
		argN++
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, property_id, conversation_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.PropertyID, &r.ConversationID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PropertyRecord, []MessageRecord, error) {
	propRows, err := p.db.QueryContext(ctx, `
		SELECT id, label, owner_user_id IS NOT NULL, soft_listing, for_sale, for_rent, settled, lat, lon
		FROM properties
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load properties: %w", err)
	}
	defer propRows.Close()

	properties := make([]PropertyRecord, 0)
	for propRows.Next() {
		var rec PropertyRecord
		var claimed bool
		var flags status.Flags
		if err := propRows.Scan(&rec.ID, &rec.Label, &claimed, &flags.SoftListing, &flags.ForSale, &flags.ForRent, &flags.Settled, &rec.Lat, &rec.Lon); err != nil {
			return nil, nil, fmt.Errorf("scan property: %w", err)
		}
		rec.Status = string(status.Resolve(claimed, flags))
		properties = append(properties, rec)
	}
	if err := propRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate properties: %w", err)
	}

	msgRows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.body, m.conversation_id, c.property_id, pr.label,
			COALESCE(json_agg(cp.user_id) FILTER (WHERE cp.user_id IS NOT NULL), '[]'),
			EXTRACT(EPOCH FROM m.created_at)::bigint
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		JOIN properties pr ON pr.id = c.property_id
		LEFT JOIN conversation_participants cp ON cp.conversation_id = m.conversation_id
		GROUP BY m.id, m.body, m.conversation_id, c.property_id, pr.label, m.created_at
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer msgRows.Close()

	messages := make([]MessageRecord, 0)
	for msgRows.Next() {
		var rec MessageRecord
		var participantsJSON []byte
		if err := msgRows.Scan(&rec.ID, &rec.Body, &rec.ConversationID, &rec.PropertyID, &rec.PropertyLabel, &participantsJSON, &rec.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal(participantsJSON, &rec.ParticipantIDs); err != nil {
			return nil, nil, fmt.Errorf("decode message participants: %w", err)
		}
		messages = append(messages, rec)
	}
	if err := msgRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	return properties, messages, nil
}
