package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PgBackend implements Backend over the shared Postgres tables
// resource_current, resource_history and resource_index.
type PgBackend struct {
	pool *pgxpool.Pool
}

func NewPgBackend(pool *pgxpool.Pool) *PgBackend {
	return &PgBackend{pool: pool}
}

func (b *PgBackend) GetCurrent(ctx context.Context, resourceType, id string) (*Stored, error) {
	row := b.pool.QueryRow(ctx,
		`SELECT resource_type, id, version_id, resource, request_method, transforms, last_updated
		 FROM resource_current WHERE resource_type = $1 AND id = $2`,
		resourceType, id,
	)
	s, err := scanStored(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (b *PgBackend) PutCurrent(ctx context.Context, s *Stored, expectVersion int) error {
	resource, transforms, err := marshalStored(s)
	if err != nil {
		return err
	}

	if expectVersion == 0 {
		tag, err := b.pool.Exec(ctx,
			`INSERT INTO resource_current
			   (resource_type, id, version_id, resource, request_method, transforms, last_updated)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (resource_type, id) DO NOTHING`,
			s.ResourceType, s.ID, s.VersionID, resource, s.RequestMethod, transforms, s.LastUpdated,
		)
		if err != nil {
			return fmt.Errorf("insert current: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		return nil
	}

	tag, err := b.pool.Exec(ctx,
		`UPDATE resource_current
		 SET version_id = $4, resource = $5, request_method = $6, transforms = $7, last_updated = $8
		 WHERE resource_type = $1 AND id = $2 AND version_id = $3`,
		s.ResourceType, s.ID, expectVersion,
		s.VersionID, resource, s.RequestMethod, transforms, s.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("update current: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (b *PgBackend) DeleteCurrent(ctx context.Context, resourceType, id string) error {
	_, err := b.pool.Exec(ctx,
		`DELETE FROM resource_current WHERE resource_type = $1 AND id = $2`,
		resourceType, id,
	)
	if err != nil {
		return fmt.Errorf("delete current: %w", err)
	}
	return nil
}

func (b *PgBackend) ListCurrent(ctx context.Context, resourceType string) ([]*Stored, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT resource_type, id, version_id, resource, request_method, transforms, last_updated
		 FROM resource_current WHERE resource_type = $1 ORDER BY id`,
		resourceType,
	)
	if err != nil {
		return nil, fmt.Errorf("list current: %w", err)
	}
	defer rows.Close()
	return collectStored(rows)
}

func (b *PgBackend) GetMany(ctx context.Context, resourceType string, ids []string) ([]*Stored, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := b.pool.Query(ctx,
		`SELECT resource_type, id, version_id, resource, request_method, transforms, last_updated
		 FROM resource_current WHERE resource_type = $1 AND id = ANY($2)`,
		resourceType, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("get many: %w", err)
	}
	defer rows.Close()

	fetched, err := collectStored(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Stored, len(fetched))
	for _, s := range fetched {
		byID[s.ID] = s
	}

	out := make([]*Stored, 0, len(ids))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (b *PgBackend) InsertHistory(ctx context.Context, rec *HistoryRecord) error {
	var resource []byte
	if rec.Resource != nil {
		var err error
		resource, err = json.Marshal(rec.Resource)
		if err != nil {
			return fmt.Errorf("marshal history resource: %w", err)
		}
	}
	_, err := b.pool.Exec(ctx,
		`INSERT INTO resource_history
		   (resource_type, resource_id, version_id, resource, request_method, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ResourceType, rec.ResourceID, rec.VersionID, resource, rec.RequestMethod, rec.LastUpdated,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateVersion
		}
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (b *PgBackend) GetHistoryVersion(ctx context.Context, resourceType, id string, versionID int) (*HistoryRecord, error) {
	row := b.pool.QueryRow(ctx,
		`SELECT resource_type, resource_id, version_id, resource, request_method, last_updated
		 FROM resource_history
		 WHERE resource_type = $1 AND resource_id = $2 AND version_id = $3`,
		resourceType, id, versionID,
	)
	rec, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (b *PgBackend) ListHistory(ctx context.Context, resourceType, id string, since time.Time, limit, offset int) ([]*HistoryRecord, int, error) {
	args := []interface{}{resourceType}
	where := "resource_type = $1"
	if id != "" {
		args = append(args, id)
		where += fmt.Sprintf(" AND resource_id = $%d", len(args))
	}
	if !since.IsZero() {
		args = append(args, since)
		where += fmt.Sprintf(" AND last_updated >= $%d", len(args))
	}

	var total int
	if err := b.pool.QueryRow(ctx,
		"SELECT count(*) FROM resource_history WHERE "+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	query := `SELECT resource_type, resource_id, version_id, resource, request_method, last_updated
		 FROM resource_history WHERE ` + where + ` ORDER BY last_updated DESC, version_id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var recs []*HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, 0, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate history: %w", err)
	}
	return recs, total, nil
}

func (b *PgBackend) PurgeHistory(ctx context.Context, resourceType, id string) error {
	_, err := b.pool.Exec(ctx,
		`DELETE FROM resource_history WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, id,
	)
	if err != nil {
		return fmt.Errorf("purge history: %w", err)
	}
	return nil
}

func (b *PgBackend) PutIndex(ctx context.Context, resourceType, id string, entries []IndexEntry) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin index write: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM resource_index WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, id,
	); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}

	for _, e := range entries {
		var date interface{}
		if e.HasDate {
			date = e.Date
		}
		var number interface{}
		if e.HasNumber {
			number = e.Number
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO resource_index
			   (resource_type, resource_id, param_code, value_string,
			    value_token_system, value_token_code, value_date, value_number, value_reference)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			resourceType, id, e.Param, e.String,
			e.System, e.Code, date, number, e.Reference,
		); err != nil {
			return fmt.Errorf("insert index row: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (b *PgBackend) DeleteIndex(ctx context.Context, resourceType, id string) error {
	_, err := b.pool.Exec(ctx,
		`DELETE FROM resource_index WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, id,
	)
	if err != nil {
		return fmt.Errorf("delete index: %w", err)
	}
	return nil
}

func (b *PgBackend) SearchIDs(ctx context.Context, f *Filter) ([]string, error) {
	qb := &clauseBuilder{}
	var sb strings.Builder
	sb.WriteString("SELECT c.id FROM resource_current c WHERE c.resource_type = ")
	sb.WriteString(qb.arg(f.ResourceType))

	if f.IDs != nil {
		sb.WriteString(" AND c.id = ANY(")
		sb.WriteString(qb.arg(f.IDs))
		sb.WriteString(")")
	}

	for _, cond := range f.Conditions {
		sb.WriteString(conditionSQL(qb, cond))
	}
	sb.WriteString(" ORDER BY c.id")

	rows, err := b.pool.Query(ctx, sb.String(), qb.args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}

	if len(f.Sort) > 0 && len(ids) > 1 {
		if err := b.applySort(ctx, f, ids); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (b *PgBackend) HasTokenSystem(ctx context.Context, resourceType, param, system string) (bool, error) {
	var found bool
	err := b.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM resource_index
		   WHERE resource_type = $1 AND param_code = $2 AND value_token_system = $3)`,
		resourceType, param, system,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check token system: %w", err)
	}
	return found, nil
}

// applySort reorders ids by the first indexed value of each sort
// parameter, unindexed ids last, id as the final tiebreak. Matches the
// in-memory backend ordering exactly.
func (b *PgBackend) applySort(ctx context.Context, f *Filter, ids []string) error {
	keys := make(map[string]map[string]string, len(f.Sort))
	for _, sk := range f.Sort {
		vals, err := b.sortValues(ctx, f.ResourceType, sk.Param, ids)
		if err != nil {
			return err
		}
		keys[sk.Param] = vals
	}

	sort.SliceStable(ids, func(i, j int) bool {
		for _, sk := range f.Sort {
			vi, oki := keys[sk.Param][ids[i]]
			vj, okj := keys[sk.Param][ids[j]]
			if !oki && !okj {
				continue
			}
			if oki != okj {
				return oki
			}
			if vi == vj {
				continue
			}
			if sk.Descending {
				return vi > vj
			}
			return vi < vj
		}
		return ids[i] < ids[j]
	})
	return nil
}

func (b *PgBackend) sortValues(ctx context.Context, resourceType, param string, ids []string) (map[string]string, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT DISTINCT ON (resource_id)
		   resource_id, value_string, value_token_code, value_reference, value_date
		 FROM resource_index
		 WHERE resource_type = $1 AND param_code = $2 AND resource_id = ANY($3)
		 ORDER BY resource_id`,
		resourceType, param, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("load sort values: %w", err)
	}
	defer rows.Close()

	vals := map[string]string{}
	for rows.Next() {
		var id, str, code, ref string
		var date *time.Time
		if err := rows.Scan(&id, &str, &code, &ref, &date); err != nil {
			return nil, fmt.Errorf("scan sort value: %w", err)
		}
		switch {
		case str != "":
			vals[id] = str
		case date != nil:
			vals[id] = date.UTC().Format(time.RFC3339)
		case code != "":
			vals[id] = code
		case ref != "":
			vals[id] = ref
		}
	}
	return vals, rows.Err()
}

// clauseBuilder numbers SQL arguments while the query text is built.
type clauseBuilder struct {
	args []interface{}
}

func (b *clauseBuilder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// conditionSQL renders one AND'd condition as an EXISTS over the index
// table, alternatives OR'd inside. The missing modifier flips to a bare
// presence check.
func conditionSQL(qb *clauseBuilder, cond Condition) string {
	presence := "SELECT 1 FROM resource_index i WHERE i.resource_type = c.resource_type" +
		" AND i.resource_id = c.id AND i.param_code = " + qb.arg(cond.Param)

	if len(cond.Alternatives) == 1 && cond.Alternatives[0].Modifier == ModMissing {
		if cond.Alternatives[0].MissingWanted {
			return " AND NOT EXISTS (" + presence + ")"
		}
		return " AND EXISTS (" + presence + ")"
	}

	alts := make([]string, 0, len(cond.Alternatives))
	for _, p := range cond.Alternatives {
		alts = append(alts, predicateSQL(qb, p))
	}
	return " AND EXISTS (" + presence + " AND (" + strings.Join(alts, " OR ") + "))"
}

func predicateSQL(qb *clauseBuilder, p Predicate) string {
	switch p.Type {
	case ParamString:
		switch p.Modifier {
		case ModExact:
			return "i.value_string = " + qb.arg(p.String)
		case ModContains:
			return "lower(i.value_string) LIKE " + qb.arg("%"+escapeLike(strings.ToLower(p.String))+"%")
		default:
			return "lower(i.value_string) LIKE " + qb.arg(escapeLike(strings.ToLower(p.String))+"%")
		}

	case ParamToken:
		switch {
		case p.SystemOnly:
			return "i.value_token_system = " + qb.arg(p.System)
		case p.AnySystem:
			return "i.value_token_code = " + qb.arg(p.Code)
		default:
			return "i.value_token_system = " + qb.arg(p.System) +
				" AND i.value_token_code = " + qb.arg(p.Code)
		}

	case ParamDate:
		lo, hi := qb.arg(p.DateLo), qb.arg(p.DateHi)
		switch p.Op {
		case CmpNe:
			return "(i.value_date < " + lo + " OR i.value_date >= " + hi + ")"
		case CmpGt:
			return "i.value_date >= " + hi
		case CmpGe:
			return "i.value_date >= " + lo
		case CmpLt:
			return "i.value_date < " + lo
		case CmpLe:
			return "i.value_date < " + hi
		default:
			return "(i.value_date >= " + lo + " AND i.value_date < " + hi + ")"
		}

	case ParamNumber:
		n := qb.arg(p.Number)
		switch p.Op {
		case CmpNe:
			return "i.value_number <> " + n
		case CmpGt:
			return "i.value_number > " + n
		case CmpGe:
			return "i.value_number >= " + n
		case CmpLt:
			return "i.value_number < " + n
		case CmpLe:
			return "i.value_number <= " + n
		default:
			return "i.value_number = " + n
		}

	case ParamReference:
		if p.RefSet != nil {
			if len(p.RefSet) == 0 {
				return "FALSE"
			}
			return "i.value_reference = ANY(" + qb.arg(p.RefSet) + ")"
		}
		if strings.Contains(p.Reference, "/") {
			return "i.value_reference = " + qb.arg(p.Reference)
		}
		return "(i.value_reference = " + qb.arg(p.Reference) +
			" OR i.value_reference LIKE " + qb.arg("%/"+escapeLike(p.Reference)) + ")"
	}
	return "FALSE"
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStored(row rowScanner) (*Stored, error) {
	var s Stored
	var resource, transforms []byte
	if err := row.Scan(&s.ResourceType, &s.ID, &s.VersionID, &resource, &s.RequestMethod, &transforms, &s.LastUpdated); err != nil {
		return nil, err
	}
	if len(resource) > 0 {
		if err := json.Unmarshal(resource, &s.Resource); err != nil {
			return nil, fmt.Errorf("decode resource: %w", err)
		}
	}
	if len(transforms) > 0 {
		if err := json.Unmarshal(transforms, &s.Transforms); err != nil {
			return nil, fmt.Errorf("decode transforms: %w", err)
		}
	}
	return &s, nil
}

func scanHistory(row rowScanner) (*HistoryRecord, error) {
	var rec HistoryRecord
	var resource []byte
	if err := row.Scan(&rec.ResourceType, &rec.ResourceID, &rec.VersionID, &resource, &rec.RequestMethod, &rec.LastUpdated); err != nil {
		return nil, err
	}
	if len(resource) > 0 {
		if err := json.Unmarshal(resource, &rec.Resource); err != nil {
			return nil, fmt.Errorf("decode history resource: %w", err)
		}
	}
	return &rec, nil
}

func collectStored(rows pgx.Rows) ([]*Stored, error) {
	var out []*Stored
	for rows.Next() {
		s, err := scanStored(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return out, nil
}

func marshalStored(s *Stored) ([]byte, []byte, error) {
	resource, err := json.Marshal(s.Resource)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal resource: %w", err)
	}
	var transforms []byte
	if s.Transforms != nil {
		transforms, err = json.Marshal(s.Transforms)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal transforms: %w", err)
		}
	}
	return resource, transforms, nil
}
