// Package store is the relational entity store of spec §3: resources,
// collections, items, parts, tags and their relations, backed by SQLite
// (github.com/mattn/go-sqlite3, grounded on the other_examples manifests
// that pick the same driver: storj-storj, k3s-io-k3s, mary-ext-tangled.sh,
// operator-framework-olm, jrepp-hermes). It also implements
// query.HridResolver, since resolving a hierarchical remote-id chain
// requires walking the stored collection tree that only this package holds
// a handle to.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/nvaistore/pimstore/model"
	"github.com/nvaistore/pimstore/perr"
	"github.com/nvaistore/pimstore/query"
)

// Querier is satisfied by *sql.DB and *sql.Tx; every CRUD method below takes
// one explicitly so callers inside a txn.Transaction operate against the
// active *sql.Tx while callers outside one operate against the pooled *sql.DB.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store owns the pooled SQLite connection and bootstraps the schema.
type Store struct {
	DB *sql.DB
}

// Open opens (creating if absent) the SQLite database at path, applies the
// schema, and seeds the well-known root resource and Search collection root
// (spec §3 invariant 8) on first run.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}
	// SQLite only supports one writer; a single connection avoids
	// SQLITE_BUSY storms under our cooperative-per-session model (spec §5).
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: apply schema")
	}
	s := &Store{DB: db}
	if err := s.bootstrap(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// bootstrap seeds the well-known virtual root resource and its Search
// collection if they do not already exist, so RootResourceID and
// SearchRootCollectionID (model package) are always valid after Open.
func (s *Store) bootstrap(ctx context.Context) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources WHERE id = ?`, model.RootResourceID).Scan(&count); err != nil {
		return errors.Wrap(err, "store: bootstrap check")
	}
	if count > 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "store: bootstrap begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO resources (id, name, is_virtual) VALUES (?, 'search', 1)`, model.RootResourceID); err != nil {
		return errors.Wrap(err, "store: seed root resource")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO collections (id, parent_id, name, resource_id, is_virtual, enabled)
		VALUES (?, NULL, 'Search', ?, 1, 1)`, model.SearchRootCollectionID, model.RootResourceID); err != nil {
		return errors.Wrap(err, "store: seed search root")
	}
	return tx.Commit()
}

// --- Resources ---------------------------------------------------------

func (s *Store) CreateResource(ctx context.Context, q Querier, r *model.Resource) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO resources (name, is_virtual) VALUES (?, ?)`, r.Name, boolInt(r.IsVirtual))
	if err != nil {
		return 0, wrapUniqueErr(err, "resource name %q already in use", r.Name)
	}
	return res.LastInsertId()
}

func (s *Store) GetResource(ctx context.Context, q Querier, id int64) (*model.Resource, error) {
	row := q.QueryRowContext(ctx, `SELECT id, name, is_virtual FROM resources WHERE id = ?`, id)
	r := &model.Resource{}
	var v int
	if err := row.Scan(&r.ID, &r.Name, &v); err != nil {
		return nil, scanErr(err, "resource %d", id)
	}
	r.IsVirtual = v != 0
	return r, nil
}

// --- Collections ---------------------------------------------------------

func (s *Store) CreateCollection(ctx context.Context, q Querier, c *model.Collection) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO collections (
			parent_id, name, remote_id, remote_revision, resource_id, is_virtual,
			content_mime_types, cp_inherit, cp_check_interval_min, cp_cache_timeout_min,
			cp_local_parts, cp_sync_on_demand, enabled, lp_display, lp_sync, lp_index,
			query_string, query_attributes, query_collection_ids
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ParentID, c.Name, c.RemoteID, c.RemoteRevision, c.ResourceID, boolInt(c.IsVirtual),
		joinStrings(c.ContentMimeTypes), boolInt(c.CachePolicy.InheritFromParent), c.CachePolicy.CheckIntervalMins,
		c.CachePolicy.CacheTimeoutMins, joinStrings(c.CachePolicy.LocalParts), boolInt(c.CachePolicy.SyncOnDemand),
		boolInt(c.Enabled), listPrefInt(c.ListPreferences.Display), listPrefInt(c.ListPreferences.Sync), listPrefInt(c.ListPreferences.Index),
		c.QueryString, joinStrings(c.QueryAttributes), joinInt64s(c.QueryCollectionIDs),
	)
	if err != nil {
		return 0, wrapUniqueErr(err, "collection name %q already exists under this parent", c.Name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for typ, data := range c.Attributes {
		if _, err := q.ExecContext(ctx, `INSERT INTO collection_attributes (collection_id, type, data) VALUES (?,?,?)`, id, typ, data); err != nil {
			return 0, errors.Wrap(err, "store: insert collection attribute")
		}
	}
	return id, nil
}

func (s *Store) GetCollection(ctx context.Context, q Querier, id int64) (*model.Collection, error) {
	row := q.QueryRowContext(ctx, `
		SELECT parent_id, name, remote_id, remote_revision, resource_id, is_virtual,
		       content_mime_types, cp_inherit, cp_check_interval_min, cp_cache_timeout_min,
		       cp_local_parts, cp_sync_on_demand, enabled, lp_display, lp_sync, lp_index,
		       query_string, query_attributes, query_collection_ids
		FROM collections WHERE id = ?`, id)
	c := &model.Collection{ID: id}
	var (
		parentID                                    sql.NullInt64
		isVirtual, inherit, syncOnDemand, enabled    int
		lpDisplay, lpSync, lpIndex                   int
		mimeTypes, localParts, queryAttrs, queryCols string
	)
	if err := row.Scan(&parentID, &c.Name, &c.RemoteID, &c.RemoteRevision, &c.ResourceID, &isVirtual,
		&mimeTypes, &inherit, &c.CachePolicy.CheckIntervalMins, &c.CachePolicy.CacheTimeoutMins,
		&localParts, &syncOnDemand, &enabled, &lpDisplay, &lpSync, &lpIndex,
		&c.QueryString, &queryAttrs, &queryCols); err != nil {
		return nil, scanErr(err, "collection %d", id)
	}
	if parentID.Valid {
		pid := parentID.Int64
		c.ParentID = &pid
	}
	c.IsVirtual = isVirtual != 0
	c.CachePolicy.InheritFromParent = inherit != 0
	c.CachePolicy.SyncOnDemand = syncOnDemand != 0
	c.Enabled = enabled != 0
	c.ListPreferences = model.ListPreferences{Display: intListPref(lpDisplay), Sync: intListPref(lpSync), Index: intListPref(lpIndex)}
	c.ContentMimeTypes = splitStrings(mimeTypes)
	c.CachePolicy.LocalParts = splitStrings(localParts)
	c.QueryAttributes = splitStrings(queryAttrs)
	c.QueryCollectionIDs = splitInt64s(queryCols)

	attrs, err := s.collectionAttributes(ctx, q, id)
	if err != nil {
		return nil, err
	}
	c.Attributes = attrs
	return c, nil
}

func (s *Store) collectionAttributes(ctx context.Context, q Querier, id int64) (map[string][]byte, error) {
	rows, err := q.QueryContext(ctx, `SELECT type, data FROM collection_attributes WHERE collection_id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "store: collection attributes")
	}
	defer rows.Close()
	out := map[string][]byte{}
	for rows.Next() {
		var typ string
		var data []byte
		if err := rows.Scan(&typ, &data); err != nil {
			return nil, err
		}
		out[typ] = data
	}
	return out, rows.Err()
}

// CollectionsByResource returns every collection owned by resourceID, used
// by Collection Sync to build its local node tree (spec §4.7 step 1).
func (s *Store) CollectionsByResource(ctx context.Context, q Querier, resourceID int64) ([]*model.Collection, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM collections WHERE resource_id = ?`, resourceID)
	if err != nil {
		return nil, errors.Wrap(err, "store: collections by resource")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*model.Collection, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetCollection(ctx, q, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ReplaceCollection persists every mutable field of c, used by the Modify
// and Move Collection handlers which always work from a freshly-fetched
// struct (spec §4.4 "Collection modify"/"Collection move").
func (s *Store) ReplaceCollection(ctx context.Context, q Querier, c *model.Collection) error {
	_, err := q.ExecContext(ctx, `
		UPDATE collections SET
			parent_id = ?, name = ?, remote_id = ?, remote_revision = ?,
			content_mime_types = ?, cp_inherit = ?, cp_check_interval_min = ?,
			cp_cache_timeout_min = ?, cp_local_parts = ?, cp_sync_on_demand = ?,
			lp_display = ?, lp_sync = ?, lp_index = ?
		WHERE id = ?`,
		c.ParentID, c.Name, c.RemoteID, c.RemoteRevision,
		joinStrings(c.ContentMimeTypes), boolInt(c.CachePolicy.InheritFromParent), c.CachePolicy.CheckIntervalMins,
		c.CachePolicy.CacheTimeoutMins, joinStrings(c.CachePolicy.LocalParts), boolInt(c.CachePolicy.SyncOnDemand),
		listPrefInt(c.ListPreferences.Display), listPrefInt(c.ListPreferences.Sync), listPrefInt(c.ListPreferences.Index),
		c.ID,
	)
	if err != nil {
		return wrapUniqueErr(err, "collection name %q already exists under this parent", c.Name)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM collection_attributes WHERE collection_id = ?`, c.ID); err != nil {
		return errors.Wrap(err, "store: clear collection attributes")
	}
	for typ, data := range c.Attributes {
		if _, err := q.ExecContext(ctx, `INSERT INTO collection_attributes (collection_id, type, data) VALUES (?,?,?)`, c.ID, typ, data); err != nil {
			return errors.Wrap(err, "store: replace collection attribute")
		}
	}
	return nil
}

// ChildIDs returns the direct children of parentID.
func (s *Store) ChildIDs(ctx context.Context, q Querier, parentID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM collections WHERE parent_id = ?`, parentID)
	if err != nil {
		return nil, errors.Wrap(err, "store: child ids")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ItemIDsInCollection returns every item directly owned by collectionID.
func (s *Store) ItemIDsInCollection(ctx context.Context, q Querier, collectionID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM items WHERE collection_id = ?`, collectionID)
	if err != nil {
		return nil, errors.Wrap(err, "store: items in collection")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteCollection removes a single collection row (its subtree must
// already be handled by the caller, depth-first — spec §4.4 "Collection
// delete").
func (s *Store) DeleteCollection(ctx context.Context, q Querier, id int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id)
	return errors.Wrap(err, "store: delete collection")
}

// ChildByName looks up a direct child of parentID (nil for root) by exact
// name, within resourceID (spec invariant 2: sibling names unique). Returns
// perr.NotFound if absent.
func (s *Store) ChildByName(ctx context.Context, q Querier, resourceID int64, parentID *int64, name string) (int64, error) {
	var row *sql.Row
	if parentID == nil {
		row = q.QueryRowContext(ctx, `SELECT id FROM collections WHERE parent_id IS NULL AND resource_id = ? AND name = ?`, resourceID, name)
	} else {
		row = q.QueryRowContext(ctx, `SELECT id FROM collections WHERE parent_id = ? AND name = ?`, *parentID, name)
	}
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, scanErr(err, "child %q", name)
	}
	return id, nil
}

// ResolveChild implements query.HridResolver: it resolves a single step of a
// hierarchical remote-id chain to the matching child collection, failing
// with NotFound/Ambiguous as spec §4.1 requires.
func (s *Store) ResolveChild(resourceID int64, parentID *int64, remoteID string) (int64, error) {
	ctx := context.Background()
	var rows *sql.Rows
	var err error
	if parentID == nil {
		rows, err = s.DB.QueryContext(ctx, `SELECT id FROM collections WHERE parent_id IS NULL AND resource_id = ? AND remote_id = ?`, resourceID, remoteID)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT id FROM collections WHERE parent_id = ? AND remote_id = ?`, *parentID, remoteID)
	}
	if err != nil {
		return 0, errors.Wrap(err, "store: resolve hrid step")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	switch len(ids) {
	case 0:
		return 0, perr.New(perr.NotFound, "no collection with remote id %q under parent %v", remoteID, parentID)
	case 1:
		return ids[0], nil
	default:
		return 0, perr.New(perr.Ambiguous, "%d collections share remote id %q under parent %v", len(ids), remoteID, parentID)
	}
}

var (
	_ query.HridResolver = (*Store)(nil)
	_ Querier            = (*sql.DB)(nil)
	_ Querier            = (*sql.Tx)(nil)
)

// --- Items ---------------------------------------------------------

func (s *Store) CreateItem(ctx context.Context, q Querier, it *model.Item) (int64, error) {
	if it.Created.IsZero() {
		it.Created = truncateToSecond(nowFunc())
	}
	if it.Modified.IsZero() {
		it.Modified = it.Created
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO items (collection_id, mime_type, remote_id, remote_revision, gid, revision, created, modified, size, dirty, flags)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		it.CollectionID, it.MimeType, it.RemoteID, it.RemoteRevision, it.Gid, it.Revision,
		it.Created, it.Modified, it.Size, boolInt(it.Dirty), joinStrings(it.Flags))
	if err != nil {
		return 0, errors.Wrap(err, "store: insert item")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, p := range it.Parts {
		p.ItemID = id
		if err := s.UpsertPart(ctx, q, &p); err != nil {
			return 0, err
		}
	}
	for _, tagID := range it.Tags {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO item_tags (item_id, tag_id) VALUES (?,?)`, id, tagID); err != nil {
			return 0, errors.Wrap(err, "store: link item tag")
		}
	}
	for typ, data := range it.Attributes {
		if _, err := q.ExecContext(ctx, `INSERT INTO item_attributes (item_id, type, data) VALUES (?,?,?)`, id, typ, data); err != nil {
			return 0, errors.Wrap(err, "store: insert item attribute")
		}
	}
	return id, nil
}

func (s *Store) GetItem(ctx context.Context, q Querier, id int64) (*model.Item, error) {
	row := q.QueryRowContext(ctx, `
		SELECT collection_id, mime_type, remote_id, remote_revision, gid, revision, created, modified, size, dirty, flags
		FROM items WHERE id = ?`, id)
	it := &model.Item{ID: id}
	var dirty int
	var flags string
	if err := row.Scan(&it.CollectionID, &it.MimeType, &it.RemoteID, &it.RemoteRevision, &it.Gid, &it.Revision,
		&it.Created, &it.Modified, &it.Size, &dirty, &flags); err != nil {
		return nil, scanErr(err, "item %d", id)
	}
	it.Dirty = dirty != 0
	it.Flags = splitStrings(flags)

	parts, err := s.ItemParts(ctx, q, id)
	if err != nil {
		return nil, err
	}
	it.Parts = parts

	tagRows, err := q.QueryContext(ctx, `SELECT tag_id FROM item_tags WHERE item_id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "store: item tags")
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var tagID int64
		if err := tagRows.Scan(&tagID); err != nil {
			return nil, err
		}
		it.Tags = append(it.Tags, tagID)
	}

	attrRows, err := q.QueryContext(ctx, `SELECT type, data FROM item_attributes WHERE item_id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "store: item attributes")
	}
	defer attrRows.Close()
	it.Attributes = map[string][]byte{}
	for attrRows.Next() {
		var typ string
		var data []byte
		if err := attrRows.Scan(&typ, &data); err != nil {
			return nil, err
		}
		it.Attributes[typ] = data
	}
	return it, nil
}

// UpdateItemFields applies a sparse set of column updates, used by the
// Modify Item handler (spec §4.4): only the columns named as keys of set are
// written.
func (s *Store) UpdateItemFields(ctx context.Context, q Querier, id int64, set map[string]interface{}) error {
	if len(set) == 0 {
		return nil
	}
	cols := make([]string, 0, len(set))
	args := make([]interface{}, 0, len(set)+1)
	for col, v := range set {
		cols = append(cols, col+" = ?")
		args = append(args, v)
	}
	args = append(args, id)
	_, err := q.ExecContext(ctx, fmt.Sprintf(`UPDATE items SET %s WHERE id = ?`, strings.Join(cols, ", ")), args...)
	return errors.Wrap(err, "store: update item")
}

func (s *Store) DeleteItems(ctx context.Context, q Querier, ids []int64) error {
	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
			return errors.Wrap(err, "store: delete item")
		}
	}
	return nil
}

// ListItemIDs executes cond (built by package query) against the items/
// collections join and returns the matching item ids.
func (s *Store) ListItemIDs(ctx context.Context, q Querier, cond query.Cond) ([]int64, error) {
	where := "1=1"
	if !cond.Empty() {
		where = cond.SQL
	}
	sqlStr := fmt.Sprintf(`SELECT DISTINCT items.id FROM items JOIN collections ON collections.id = items.collection_id WHERE %s`, where)
	rows, err := q.QueryContext(ctx, sqlStr, cond.Args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: list item ids")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ItemByGidInCollection returns the id of the item with the given gid
// inside collectionID, or perr.NotFound if none exists (Append Item's Gid
// merge mode, spec §4.4).
func (s *Store) ItemByGidInCollection(ctx context.Context, q Querier, collectionID int64, gid string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM items WHERE collection_id = ? AND gid = ?`, collectionID, gid).Scan(&id)
	if err != nil {
		return 0, scanErr(err, "item gid %q in collection %d", gid, collectionID)
	}
	return id, nil
}

// ItemIDsByGidInCollection returns every item id sharing gid inside
// collectionID, ordered by id. Item Sync's Gid/RidOrGid merge modes use this
// (rather than ItemByGidInCollection's single-row lookup) to detect the
// "more than one local peer" duplicate case spec §4.8 step 1 describes.
func (s *Store) ItemIDsByGidInCollection(ctx context.Context, q Querier, collectionID int64, gid string) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM items WHERE collection_id = ? AND gid = ? ORDER BY id`, collectionID, gid)
	if err != nil {
		return nil, errors.Wrap(err, "store: item ids by gid")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ItemByRemoteIDInCollection returns the id of the item with the given
// remote id inside collectionID, or perr.NotFound if none exists (Append
// Item's Rid merge mode, spec §4.4).
func (s *Store) ItemByRemoteIDInCollection(ctx context.Context, q Querier, collectionID int64, remoteID string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM items WHERE collection_id = ? AND remote_id = ?`, collectionID, remoteID).Scan(&id)
	if err != nil {
		return 0, scanErr(err, "item remote id %q in collection %d", remoteID, collectionID)
	}
	return id, nil
}

// --- Parts ---------------------------------------------------------

func (s *Store) UpsertPart(ctx context.Context, q Querier, p *model.Part) error {
	if p.CachedAt.IsZero() {
		p.CachedAt = truncateToSecond(nowFunc())
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO parts (item_id, name, data, storage, external_ref, size, cached_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(item_id, name) DO UPDATE SET data=excluded.data, storage=excluded.storage, external_ref=excluded.external_ref, size=excluded.size, cached_at=excluded.cached_at`,
		p.ItemID, p.Name, p.Data, partStorageInt(p.Storage), p.ExternalRef, p.Size, p.CachedAt)
	return errors.Wrap(err, "store: upsert part")
}

func (s *Store) ItemParts(ctx context.Context, q Querier, itemID int64) ([]model.Part, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, data, storage, external_ref, size, cached_at FROM parts WHERE item_id = ?`, itemID)
	if err != nil {
		return nil, errors.Wrap(err, "store: item parts")
	}
	defer rows.Close()
	var out []model.Part
	for rows.Next() {
		p := model.Part{ItemID: itemID}
		var storage int
		var cachedAt sql.NullTime
		if err := rows.Scan(&p.Name, &p.Data, &storage, &p.ExternalRef, &p.Size, &cachedAt); err != nil {
			return nil, err
		}
		p.Storage = intPartStorage(storage)
		if cachedAt.Valid {
			p.CachedAt = cachedAt.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// EvictablePart is a cached payload part paired with the cache policy that
// governs it, returned by StalePayloadParts for the cache cleaner.
type EvictablePart struct {
	Part             model.Part
	CollectionID     int64
	CacheTimeoutMins int
}

// StalePayloadParts returns every payload part ("PLD:" prefixed) with
// non-empty cached data whose owning collection's cache_timeout_minutes is
// non-negative (not "forever") and whose cached_at is older than that many
// minutes before asOf. Parts whose storage is Foreign are never returned:
// Foreign parts are not owned by the store and must never be evicted (spec
// §3 Part invariant).
func (s *Store) StalePayloadParts(ctx context.Context, q Querier, asOf time.Time) ([]EvictablePart, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT p.item_id, p.name, p.storage, p.external_ref, p.size, p.cached_at, i.collection_id, c.cp_cache_timeout_min
		FROM parts p
		JOIN items i ON i.id = p.item_id
		JOIN collections c ON c.id = i.collection_id
		WHERE p.name LIKE 'PLD:%'
		  AND p.storage != ?
		  AND c.cp_cache_timeout_min >= 0
		  AND p.cached_at IS NOT NULL
		  AND (p.data IS NOT NULL OR p.external_ref != '')`, partStorageInt(model.StorageForeign))
	if err != nil {
		return nil, errors.Wrap(err, "store: stale payload parts")
	}
	defer rows.Close()
	var out []EvictablePart
	for rows.Next() {
		var ep EvictablePart
		var storage int
		var cachedAt time.Time
		if err := rows.Scan(&ep.Part.ItemID, &ep.Part.Name, &storage, &ep.Part.ExternalRef, &ep.Part.Size, &cachedAt, &ep.CollectionID, &ep.CacheTimeoutMins); err != nil {
			return nil, err
		}
		ep.Part.Storage = intPartStorage(storage)
		ep.Part.CachedAt = cachedAt
		cutoff := asOf.Add(-time.Duration(ep.CacheTimeoutMins) * time.Minute)
		if cachedAt.Before(cutoff) {
			out = append(out, ep)
		}
	}
	return out, rows.Err()
}

// ClearPartData blanks a part's cached payload in place (data=NULL,
// external_ref='', cached_at=NULL) without deleting the part row itself, so
// the item still reports the part as existing-but-not-cached and the next
// Item Retriever pass re-fetches it (spec §4.6 step 2).
func (s *Store) ClearPartData(ctx context.Context, q Querier, itemID int64, name string) error {
	_, err := q.ExecContext(ctx, `UPDATE parts SET data = NULL, external_ref = '', cached_at = NULL WHERE item_id = ? AND name = ?`, itemID, name)
	return errors.Wrap(err, "store: clear part data")
}

// CollectionsDueForResync returns every non-virtual collection whose
// check_interval_minutes is non-negative. It does not look at elapsed time:
// the interval checker tracks each collection's last run itself and skips
// those whose interval has not elapsed.
func (s *Store) CollectionsDueForResync(ctx context.Context, q Querier) ([]*model.Collection, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM collections WHERE cp_check_interval_min >= 0 AND is_virtual = 0`)
	if err != nil {
		return nil, errors.Wrap(err, "store: collections due for resync")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*model.Collection, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetCollection(ctx, q, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// --- Tags ---------------------------------------------------------

func (s *Store) CreateTag(ctx context.Context, q Querier, t *model.Tag) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO tags (gid, type, parent_id) VALUES (?,?,?)`, t.Gid, t.Type, t.ParentID)
	if err != nil {
		return 0, wrapUniqueErr(err, "tag gid %q already exists", t.Gid)
	}
	return res.LastInsertId()
}

func (s *Store) TagByGid(ctx context.Context, q Querier, gid string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM tags WHERE gid = ?`, gid).Scan(&id)
	if err != nil {
		return 0, scanErr(err, "tag gid %q", gid)
	}
	return id, nil
}

// UpsertTagRemoteIDRelation records (or updates) the remote id resourceID
// uses to refer to tagID (spec §3 TagRemoteIdResourceRelation; §4.4 "Tag
// create" merge path).
func (s *Store) UpsertTagRemoteIDRelation(ctx context.Context, q Querier, rel *model.TagRemoteIDRelation) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tag_remote_id_relations (tag_id, resource_id, remote_id) VALUES (?,?,?)
		ON CONFLICT(tag_id, resource_id) DO UPDATE SET remote_id=excluded.remote_id`,
		rel.TagID, rel.ResourceID, rel.RemoteID)
	return errors.Wrap(err, "store: upsert tag remote id relation")
}

// TagRemoteIDRelation returns the remote id resourceID uses to refer to
// tagID, or perr.NotFound if no such relation has been recorded.
func (s *Store) TagRemoteIDRelation(ctx context.Context, q Querier, tagID, resourceID int64) (string, error) {
	var remoteID string
	err := q.QueryRowContext(ctx, `SELECT remote_id FROM tag_remote_id_relations WHERE tag_id = ? AND resource_id = ?`, tagID, resourceID).Scan(&remoteID)
	if err != nil {
		return "", scanErr(err, "tag remote id relation (tag %d, resource %d)", tagID, resourceID)
	}
	return remoteID, nil
}

func (s *Store) DeleteTag(ctx context.Context, q Querier, id int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, id)
	return errors.Wrap(err, "store: delete tag")
}

// TaggedItemIDs returns every item currently linked to tagID, used by the Tag
// Delete handler to emit ItemsTagsChanged before removing the tag (spec
// §4.4).
func (s *Store) TaggedItemIDs(ctx context.Context, q Querier, tagID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT item_id FROM item_tags WHERE tag_id = ?`, tagID)
	if err != nil {
		return nil, errors.Wrap(err, "store: tagged items")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Virtual memberships / relations ---------------------------------------------------------

func (s *Store) Link(ctx context.Context, q Querier, collectionID, itemID int64) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO virtual_memberships (collection_id, item_id) VALUES (?,?)`, collectionID, itemID)
	return errors.Wrap(err, "store: link")
}

func (s *Store) Unlink(ctx context.Context, q Querier, collectionID, itemID int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM virtual_memberships WHERE collection_id = ? AND item_id = ?`, collectionID, itemID)
	return errors.Wrap(err, "store: unlink")
}

func (s *Store) AddRelation(ctx context.Context, q Querier, r model.Relation) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO relations (left_item_id, right_item_id, type) VALUES (?,?,?)`, r.LeftItemID, r.RightItemID, r.Type)
	return errors.Wrap(err, "store: add relation")
}

// --- helpers ---------------------------------------------------------

// nowFunc is overridden in tests to produce deterministic timestamps.
var nowFunc = time.Now

func truncateToSecond(t time.Time) time.Time { return t.Truncate(time.Second) }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinStrings(ss []string) string  { return strings.Join(ss, "\x1f") }
func splitStrings(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x1f")
}

func joinInt64s(vs []int64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}

func splitInt64s(s string) []int64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		var v int64
		fmt.Sscanf(p, "%d", &v)
		out = append(out, v)
	}
	return out
}

func listPrefInt(p model.ListPref) int {
	switch p {
	case model.ListPrefEnabled:
		return 1
	case model.ListPrefDisabled:
		return 2
	default:
		return 0
	}
}

func intListPref(v int) model.ListPref {
	switch v {
	case 1:
		return model.ListPrefEnabled
	case 2:
		return model.ListPrefDisabled
	default:
		return model.ListPrefDefault
	}
}

func partStorageInt(p model.PartStorage) int {
	switch p {
	case model.StorageExternal:
		return 1
	case model.StorageForeign:
		return 2
	default:
		return 0
	}
}

func intPartStorage(v int) model.PartStorage {
	switch v {
	case 1:
		return model.StorageExternal
	case 2:
		return model.StorageForeign
	default:
		return model.StorageInternal
	}
}

func scanErr(err error, format string, args ...interface{}) error {
	if err == sql.ErrNoRows {
		return perr.New(perr.NotFound, format, args...)
	}
	return errors.Wrap(err, "store: scan "+fmt.Sprintf(format, args...))
}

// wrapUniqueErr turns a SQLite UNIQUE constraint violation into a
// NameConflict taxonomy error (spec §7); any other error is wrapped as a
// StorageError.
func wrapUniqueErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return perr.New(perr.NameConflict, format, args...)
	}
	return perr.Wrap(err, "store: write failed")
}
