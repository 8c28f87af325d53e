/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package store

// schema is the relational shape of spec §3's entity model, embedded as a Go
// constant the way untoldecay-BeadsLog's sqlite package keeps its schema:
// one `CREATE TABLE IF NOT EXISTS` string applied at bootstrap, foreign keys
// enabled via PRAGMA rather than encoded per-connection elsewhere.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS resources (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL UNIQUE,
    is_virtual  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS collections (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    parent_id             INTEGER REFERENCES collections(id) ON DELETE CASCADE,
    name                  TEXT NOT NULL,
    remote_id             TEXT NOT NULL DEFAULT '',
    remote_revision       TEXT NOT NULL DEFAULT '',
    resource_id           INTEGER NOT NULL REFERENCES resources(id),
    is_virtual            INTEGER NOT NULL DEFAULT 0,
    content_mime_types    TEXT NOT NULL DEFAULT '',
    cp_inherit            INTEGER NOT NULL DEFAULT 1,
    cp_check_interval_min INTEGER NOT NULL DEFAULT -1,
    cp_cache_timeout_min  INTEGER NOT NULL DEFAULT -1,
    cp_local_parts        TEXT NOT NULL DEFAULT '',
    cp_sync_on_demand     INTEGER NOT NULL DEFAULT 0,
    enabled               INTEGER NOT NULL DEFAULT 1,
    lp_display            INTEGER NOT NULL DEFAULT 0,
    lp_sync               INTEGER NOT NULL DEFAULT 0,
    lp_index              INTEGER NOT NULL DEFAULT 0,
    query_string          TEXT NOT NULL DEFAULT '',
    query_attributes      TEXT NOT NULL DEFAULT '',
    query_collection_ids  TEXT NOT NULL DEFAULT '',
    UNIQUE(parent_id, name)
);
CREATE INDEX IF NOT EXISTS idx_collections_parent ON collections(parent_id);
CREATE INDEX IF NOT EXISTS idx_collections_resource_rid ON collections(resource_id, remote_id);

CREATE TABLE IF NOT EXISTS items (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    collection_id    INTEGER NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
    mime_type        TEXT NOT NULL DEFAULT '',
    remote_id        TEXT NOT NULL DEFAULT '',
    remote_revision  TEXT NOT NULL DEFAULT '',
    gid              TEXT NOT NULL DEFAULT '',
    revision         INTEGER NOT NULL DEFAULT 0,
    created          DATETIME NOT NULL,
    modified         DATETIME NOT NULL,
    size             INTEGER NOT NULL DEFAULT 0,
    dirty            INTEGER NOT NULL DEFAULT 0,
    flags            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_items_collection ON items(collection_id);
CREATE INDEX IF NOT EXISTS idx_items_remote_id ON items(collection_id, remote_id);
CREATE INDEX IF NOT EXISTS idx_items_gid ON items(gid);

CREATE TABLE IF NOT EXISTS parts (
    item_id       INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    name          TEXT NOT NULL,
    data          BLOB,
    storage       INTEGER NOT NULL DEFAULT 0,
    external_ref  TEXT NOT NULL DEFAULT '',
    size          INTEGER NOT NULL DEFAULT 0,
    cached_at     DATETIME,
    PRIMARY KEY (item_id, name)
);
CREATE INDEX IF NOT EXISTS idx_parts_cached_at ON parts(cached_at);

CREATE TABLE IF NOT EXISTS tags (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    gid        TEXT NOT NULL UNIQUE,
    type       TEXT NOT NULL DEFAULT '',
    parent_id  INTEGER REFERENCES tags(id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS tag_remote_id_relations (
    tag_id       INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    resource_id  INTEGER NOT NULL REFERENCES resources(id),
    remote_id    TEXT NOT NULL,
    PRIMARY KEY (tag_id, resource_id)
);

CREATE TABLE IF NOT EXISTS item_tags (
    item_id  INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    tag_id   INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    PRIMARY KEY (item_id, tag_id)
);

CREATE TABLE IF NOT EXISTS relations (
    left_item_id   INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    right_item_id  INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    type           TEXT NOT NULL,
    PRIMARY KEY (left_item_id, right_item_id, type)
);

CREATE TABLE IF NOT EXISTS virtual_memberships (
    collection_id  INTEGER NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
    item_id        INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    PRIMARY KEY (collection_id, item_id)
);
CREATE INDEX IF NOT EXISTS idx_virtual_memberships_item ON virtual_memberships(item_id);

CREATE TABLE IF NOT EXISTS collection_attributes (
    collection_id  INTEGER NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
    type           TEXT NOT NULL,
    data           BLOB NOT NULL,
    PRIMARY KEY (collection_id, type)
);

CREATE TABLE IF NOT EXISTS item_attributes (
    item_id  INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    type     TEXT NOT NULL,
    data     BLOB NOT NULL,
    PRIMARY KEY (item_id, type)
);
`
