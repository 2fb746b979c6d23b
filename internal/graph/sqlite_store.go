package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the persistent Store. Manifest nodes, assertions and
// spacetime facts live in three tables; every write runs the shared rules
// in write.go inside one transaction.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	roots  map[string]bool
	mu     sync.Mutex // serializes writers; SQLite allows one anyway
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS manifest (
	id TEXT PRIMARY KEY,
	item_type TEXT NOT NULL,
	data_type TEXT NOT NULL,
	label TEXT NOT NULL,
	slug TEXT,
	uri TEXT,
	item_key TEXT,
	item_class_id TEXT,
	project_id TEXT,
	publisher_id TEXT,
	context_id TEXT,
	path TEXT NOT NULL,
	meta_json TEXT,
	source_id TEXT,
	created INTEGER NOT NULL,
	updated INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_manifest_context ON manifest(context_id);
CREATE INDEX IF NOT EXISTS idx_manifest_path ON manifest(path);
CREATE INDEX IF NOT EXISTS idx_manifest_project_type ON manifest(project_id, item_type);
CREATE INDEX IF NOT EXISTS idx_manifest_uri ON manifest(uri);

CREATE TABLE IF NOT EXISTS assertion (
	id TEXT PRIMARY KEY,
	project_id TEXT,
	subject_id TEXT NOT NULL,
	predicate_id TEXT NOT NULL,
	object_id TEXT,
	observation_id TEXT,
	event_id TEXT,
	attribute_group_id TEXT,
	obj_string TEXT,
	obj_boolean INTEGER,
	obj_integer INTEGER,
	obj_double REAL,
	obj_datetime TEXT,
	language TEXT,
	sort REAL NOT NULL DEFAULT 0,
	visible INTEGER NOT NULL DEFAULT 1,
	source_id TEXT,
	created INTEGER NOT NULL,
	updated INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assertion_subject ON assertion(subject_id);
CREATE INDEX IF NOT EXISTS idx_assertion_predicate ON assertion(predicate_id);
CREATE INDEX IF NOT EXISTS idx_assertion_object ON assertion(object_id);
CREATE INDEX IF NOT EXISTS idx_assertion_project ON assertion(project_id);

CREATE TABLE IF NOT EXISTS spacetime (
	id TEXT PRIMARY KEY,
	item_id TEXT NOT NULL,
	event_id TEXT,
	feature_id INTEGER NOT NULL DEFAULT 0,
	latitude REAL,
	longitude REAL,
	geometry_type TEXT,
	geometry TEXT,
	earliest REAL,
	start REAL,
	stop REAL,
	latest REAL,
	source_id TEXT,
	created INTEGER NOT NULL,
	updated INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_spacetime_item ON spacetime(item_id, feature_id);
`

// OpenSQLiteStore opens (creating if needed) the store at dbPath. roots are
// the designated root markers excluded from materialized paths.
func OpenSQLiteStore(dbPath string, roots ...string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(4)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{db: db, dbPath: dbPath, roots: make(map[string]bool)}
	for _, r := range roots {
		s.roots[r] = true
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlView runs reads and raw writes against one querier.
type sqlView struct{ q querier }

func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*Node, error) {
	return sqlView{s.db}.GetNode(ctx, id)
}

func (s *SQLiteStore) FindNodes(ctx context.Context, f NodeFilter) ([]*Node, error) {
	return sqlView{s.db}.FindNodes(ctx, f)
}

func (s *SQLiteStore) GetAssertion(ctx context.Context, id string) (*Assertion, error) {
	return sqlView{s.db}.GetAssertion(ctx, id)
}

func (s *SQLiteStore) FindAssertions(ctx context.Context, f AssertionFilter) ([]*Assertion, error) {
	return sqlView{s.db}.FindAssertions(ctx, f)
}

func (s *SQLiteStore) FindSpaceTime(ctx context.Context, itemIDs ...string) ([]*SpaceTime, error) {
	return sqlView{s.db}.FindSpaceTime(ctx, itemIDs...)
}

// inTx runs fn in a transaction, committing only when fn succeeds.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(v sqlView) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(sqlView{tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertNode(ctx context.Context, n *Node) (*Node, error) {
	var out *Node
	err := s.inTx(ctx, func(v sqlView) error {
		var err error
		out, err = upsertNode(ctx, v, s.roots, n)
		return err
	})
	return out, err
}

func (s *SQLiteStore) UpsertAssertion(ctx context.Context, a *Assertion) (*Assertion, error) {
	var out *Assertion
	err := s.inTx(ctx, func(v sqlView) error {
		var err error
		out, err = upsertAssertion(ctx, v, a)
		return err
	})
	return out, err
}

func (s *SQLiteStore) UpsertSpaceTime(ctx context.Context, st *SpaceTime) (*SpaceTime, error) {
	var out *SpaceTime
	err := s.inTx(ctx, func(v sqlView) error {
		var err error
		out, err = upsertSpaceTime(ctx, v, st)
		return err
	})
	return out, err
}

func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) error {
	return s.inTx(ctx, func(v sqlView) error { return deleteNode(ctx, v, id) })
}

func (s *SQLiteStore) DeleteAssertion(ctx context.Context, id string) error {
	return s.inTx(ctx, func(v sqlView) error { return v.removeAssertion(ctx, id) })
}

func (s *SQLiteStore) DeleteSpaceTime(ctx context.Context, id string) error {
	return s.inTx(ctx, func(v sqlView) error { return v.removeSpaceTime(ctx, id) })
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

const nodeColumns = `id, item_type, data_type, label, slug, uri, item_key, item_class_id,
	project_id, publisher_id, context_id, path, meta_json, source_id, created, updated`

func scanNode(sc interface{ Scan(...any) error }) (*Node, error) {
	var (
		n                                          Node
		itemType, dataType                         string
		slug, uri, itemKey, classID, projectID     sql.NullString
		publisherID, contextID, metaJSON, sourceID sql.NullString
		created, updated                           int64
	)
	if err := sc.Scan(&n.ID, &itemType, &dataType, &n.Label, &slug, &uri, &itemKey, &classID,
		&projectID, &publisherID, &contextID, &n.Path, &metaJSON, &sourceID, &created, &updated); err != nil {
		return nil, err
	}
	n.ItemType = ItemType(itemType)
	n.DataType = DataType(dataType)
	n.Slug, n.URI, n.ItemKey = slug.String, uri.String, itemKey.String
	n.ItemClassID, n.ProjectID, n.PublisherID = classID.String, projectID.String, publisherID.String
	n.ContextID, n.SourceID = contextID.String, sourceID.String
	n.Created, n.Updated = time.Unix(0, created).UTC(), time.Unix(0, updated).UTC()

	if metaJSON.Valid && metaJSON.String != "" {
		var bag map[string]any
		if err := json.Unmarshal([]byte(metaJSON.String), &bag); err != nil {
			return nil, fmt.Errorf("meta_json of %s: %w", n.ID, err)
		}
		m, err := ParseMeta(n.ItemType, bag)
		if err != nil {
			return nil, fmt.Errorf("meta_json of %s: %w", n.ID, err)
		}
		n.Meta = m
	}
	return &n, nil
}

func (v sqlView) GetNode(ctx context.Context, id string) (*Node, error) {
	row := v.q.QueryRowContext(ctx, "SELECT "+nodeColumns+" FROM manifest WHERE id = ?", id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return n, nil
}

// where accumulates SQL conditions and their arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) in(col string, vals []string) {
	if len(vals) == 0 {
		return
	}
	w.conds = append(w.conds, col+" IN ("+placeholders(len(vals))+")")
	for _, v := range vals {
		w.args = append(w.args, v)
	}
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (v sqlView) FindNodes(ctx context.Context, f NodeFilter) ([]*Node, error) {
	var w where
	w.in("id", f.IDs)
	if len(f.ItemTypes) > 0 {
		types := make([]string, len(f.ItemTypes))
		for i, t := range f.ItemTypes {
			types[i] = string(t)
		}
		w.in("item_type", types)
	}
	if f.ProjectID != "" {
		w.add("project_id = ?", f.ProjectID)
	}
	if f.ContextID != "" {
		w.add("context_id = ?", f.ContextID)
	}
	if f.ItemClassID != "" {
		w.add("item_class_id = ?", f.ItemClassID)
	}
	if f.Label != "" {
		w.add("label = ?", f.Label)
	}
	if f.Path != "" {
		w.add("path = ?", f.Path)
	}
	if f.PathPrefix != "" {
		w.add("substr(path, 1, ?) = ?", len(f.PathPrefix), f.PathPrefix)
	}
	w.in("uri", f.URIs)
	if len(f.ExcludeIDs) > 0 {
		w.add("id NOT IN ("+placeholders(len(f.ExcludeIDs))+")", toAny(f.ExcludeIDs)...)
	}
	if f.AfterID != "" {
		w.add("id > ?", f.AfterID)
	}

	query := "SELECT " + nodeColumns + " FROM manifest" + w.String() + " ORDER BY id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := v.q.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("find nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

const assertionColumns = `id, project_id, subject_id, predicate_id, object_id, observation_id,
	event_id, attribute_group_id, obj_string, obj_boolean, obj_integer, obj_double, obj_datetime,
	language, sort, visible, source_id, created, updated`

func scanAssertion(sc interface{ Scan(...any) error }) (*Assertion, error) {
	var (
		a                                    Assertion
		projectID, objectID, observationID   sql.NullString
		eventID, groupID, language, sourceID sql.NullString
		objString, objDatetime               sql.NullString
		objBool, objInt                      sql.NullInt64
		objDouble                            sql.NullFloat64
		visible                              int
		created, updated                     int64
	)
	if err := sc.Scan(&a.ID, &projectID, &a.SubjectID, &a.PredicateID, &objectID, &observationID,
		&eventID, &groupID, &objString, &objBool, &objInt, &objDouble, &objDatetime,
		&language, &a.Sort, &visible, &sourceID, &created, &updated); err != nil {
		return nil, err
	}
	a.ProjectID, a.ObjectID, a.ObservationID = projectID.String, objectID.String, observationID.String
	a.EventID, a.AttributeGroupID = eventID.String, groupID.String
	a.Language, a.SourceID = language.String, sourceID.String
	a.Hidden = visible == 0
	a.Created, a.Updated = time.Unix(0, created).UTC(), time.Unix(0, updated).UTC()

	switch {
	case objString.Valid:
		a.Literal = StringLiteral(objString.String)
	case objBool.Valid:
		a.Literal = BoolLiteral(objBool.Int64 != 0)
	case objInt.Valid:
		a.Literal = IntLiteral(objInt.Int64)
	case objDouble.Valid:
		a.Literal = DoubleLiteral(objDouble.Float64)
	case objDatetime.Valid:
		t, err := time.Parse(time.RFC3339Nano, objDatetime.String)
		if err != nil {
			return nil, fmt.Errorf("obj_datetime of %s: %w", a.ID, err)
		}
		a.Literal = DateLiteral(t)
	}
	return &a, nil
}

func (v sqlView) GetAssertion(ctx context.Context, id string) (*Assertion, error) {
	row := v.q.QueryRowContext(ctx, "SELECT "+assertionColumns+" FROM assertion WHERE id = ?", id)
	a, err := scanAssertion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assertion %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get assertion %s: %w", id, err)
	}
	return a, nil
}

var referenceColumns = []string{"subject_id", "predicate_id", "object_id", "observation_id", "event_id", "attribute_group_id"}

func (v sqlView) FindAssertions(ctx context.Context, f AssertionFilter) ([]*Assertion, error) {
	var w where
	w.in("id", f.IDs)
	if f.ProjectID != "" {
		w.add("project_id = ?", f.ProjectID)
	}
	w.in("subject_id", f.SubjectIDs)
	w.in("predicate_id", f.PredicateIDs)
	w.in("object_id", f.ObjectIDs)
	if len(f.References) > 0 {
		ors := make([]string, len(referenceColumns))
		var args []any
		for i, col := range referenceColumns {
			ors[i] = col + " IN (" + placeholders(len(f.References)) + ")"
			args = append(args, toAny(f.References)...)
		}
		w.add("("+strings.Join(ors, " OR ")+")", args...)
	}
	if f.VisibleOnly {
		w.add("visible = 1")
	}

	rows, err := v.q.QueryContext(ctx, "SELECT "+assertionColumns+" FROM assertion"+w.String()+" ORDER BY sort, id", w.args...)
	if err != nil {
		return nil, fmt.Errorf("find assertions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Assertion
	for rows.Next() {
		a, err := scanAssertion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assertion: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const spacetimeColumns = `id, item_id, event_id, feature_id, latitude, longitude, geometry_type,
	geometry, earliest, start, stop, latest, source_id, created, updated`

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func (v sqlView) FindSpaceTime(ctx context.Context, itemIDs ...string) ([]*SpaceTime, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	query := "SELECT " + spacetimeColumns + " FROM spacetime WHERE item_id IN (" +
		placeholders(len(itemIDs)) + ") ORDER BY item_id, feature_id, id"
	rows, err := v.q.QueryContext(ctx, query, toAny(itemIDs)...)
	if err != nil {
		return nil, fmt.Errorf("find spacetime: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SpaceTime
	for rows.Next() {
		var (
			st                                  SpaceTime
			eventID, geomType, geom, sourceID   sql.NullString
			lat, lon, earliest, start, stop, lt sql.NullFloat64
			created, updated                    int64
		)
		if err := rows.Scan(&st.ID, &st.ItemID, &eventID, &st.FeatureID, &lat, &lon, &geomType,
			&geom, &earliest, &start, &stop, &lt, &sourceID, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan spacetime: %w", err)
		}
		st.EventID, st.GeometryType, st.Geometry, st.SourceID = eventID.String, geomType.String, geom.String, sourceID.String
		st.Latitude, st.Longitude = nullFloat(lat), nullFloat(lon)
		st.Earliest, st.Start, st.Stop, st.Latest = nullFloat(earliest), nullFloat(start), nullFloat(stop), nullFloat(lt)
		st.Created, st.Updated = time.Unix(0, created).UTC(), time.Unix(0, updated).UTC()
		out = append(out, &st)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Raw writes (backend)
// ---------------------------------------------------------------------------

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (v sqlView) putNode(ctx context.Context, n *Node) error {
	var metaJSON any
	if bag := n.Meta.Map(); len(bag) > 0 {
		b, err := json.Marshal(bag)
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
		metaJSON = string(b)
	}
	_, err := v.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO manifest (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.ItemType), string(n.DataType), n.Label, nullString(n.Slug), nullString(n.URI),
		nullString(n.ItemKey), nullString(n.ItemClassID), nullString(n.ProjectID), nullString(n.PublisherID),
		nullString(n.ContextID), n.Path, metaJSON, nullString(n.SourceID),
		n.Created.UnixNano(), n.Updated.UnixNano())
	return err
}

func (v sqlView) putAssertion(ctx context.Context, a *Assertion) error {
	var objString, objBool, objInt, objDouble, objDatetime any
	l := a.Literal
	switch {
	case l.String != nil:
		objString = *l.String
	case l.Boolean != nil:
		if *l.Boolean {
			objBool = 1
		} else {
			objBool = 0
		}
	case l.Integer != nil:
		objInt = *l.Integer
	case l.Double != nil:
		objDouble = *l.Double
	case l.Datetime != nil:
		objDatetime = l.Datetime.UTC().Format(time.RFC3339Nano)
	}
	visible := 1
	if a.Hidden {
		visible = 0
	}
	_, err := v.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO assertion (`+assertionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullString(a.ProjectID), a.SubjectID, a.PredicateID, nullString(a.ObjectID),
		nullString(a.ObservationID), nullString(a.EventID), nullString(a.AttributeGroupID),
		objString, objBool, objInt, objDouble, objDatetime,
		nullString(a.Language), a.Sort, visible, nullString(a.SourceID),
		a.Created.UnixNano(), a.Updated.UnixNano())
	return err
}

func (v sqlView) putSpaceTime(ctx context.Context, st *SpaceTime) error {
	ptr := func(f *float64) any {
		if f == nil {
			return nil
		}
		return *f
	}
	_, err := v.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO spacetime (`+spacetimeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.ItemID, nullString(st.EventID), st.FeatureID, ptr(st.Latitude), ptr(st.Longitude),
		nullString(st.GeometryType), nullString(st.Geometry), ptr(st.Earliest), ptr(st.Start),
		ptr(st.Stop), ptr(st.Latest), nullString(st.SourceID),
		st.Created.UnixNano(), st.Updated.UnixNano())
	return err
}

func (v sqlView) remove(ctx context.Context, table, kind, id string) error {
	res, err := v.q.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func (v sqlView) removeNode(ctx context.Context, id string) error {
	return v.remove(ctx, "manifest", "node", id)
}

func (v sqlView) removeAssertion(ctx context.Context, id string) error {
	return v.remove(ctx, "assertion", "assertion", id)
}

func (v sqlView) removeSpaceTime(ctx context.Context, id string) error {
	return v.remove(ctx, "spacetime", "spacetime", id)
}
