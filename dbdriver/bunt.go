// Package dbdriver is a small durable key-value header on top of buntdb,
// used by collaborators that need a couple of persistent facts (such as the
// interval checker's last-run timestamps) without the weight of a full schema
// migration in store/schema.go. Adapted from the teacher's BuntDriver: same
// collection##key namespacing and Set/Get/List/DeleteCollection shape,
// generalized from a general-purpose local DB into the specific durable-
// header role this port's background collaborators need.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package dbdriver

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/nvaistore/pimstore/cmn"
	"github.com/nvaistore/pimstore/perr"
)

// BuntDB settings, unchanged from the teacher: sync to disk every second,
// and start compacting once the file has grown past autoShrinkSize, then
// again every time it grows by AutoShrinkPercentage.
const (
	autoShrinkSize = cmn.MiB
	collectionSepa = "##"
)

// Header wraps a *buntdb.DB as a small namespaced key-value store.
type Header struct {
	driver *buntdb.DB
}

// Open opens (creating if necessary) the header database at path.
func Open(path string) (*Header, error) {
	driver, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	driver.SetConfig(buntdb.Config{
		SyncPolicy:           buntdb.EverySecond,
		AutoShrinkMinSize:    autoShrinkSize,
		AutoShrinkPercentage: 50,
	})
	return &Header{driver: driver}, nil
}

func buntToCommonErr(err error, collection, key string) error {
	if err == buntdb.ErrNotFound {
		return perr.New(perr.NotFound, "dbdriver: %s/%s", collection, key)
	}
	return err
}

// makePath builds a collision-free key from collection and key: without a
// separator, ("abc", "def/ghi") and ("abc/def", "ghi") would flatten to the
// same path.
func makePath(collection, key string) string {
	if strings.HasSuffix(collection, collectionSepa) {
		return collection + key
	}
	return collection + collectionSepa + key
}

func (h *Header) Close() error {
	return h.driver.Close()
}

// Set marshals object as JSON and stores it under collection/key.
func (h *Header) Set(collection, key string, object interface{}) error {
	b, err := jsoniter.Marshal(object)
	if err != nil {
		return err
	}
	return h.SetString(collection, key, string(b))
}

// Get unmarshals the JSON value stored under collection/key into object.
func (h *Header) Get(collection, key string, object interface{}) error {
	s, err := h.GetString(collection, key)
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal([]byte(s), object)
}

func (h *Header) SetString(collection, key, data string) error {
	name := makePath(collection, key)
	return h.driver.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(name, data, nil)
		return err
	})
}

func (h *Header) GetString(collection, key string) (string, error) {
	var value string
	name := makePath(collection, key)
	err := h.driver.View(func(tx *buntdb.Tx) error {
		var err error
		value, err = tx.Get(name)
		return err
	})
	return value, buntToCommonErr(err, collection, key)
}

func (h *Header) Delete(collection, key string) error {
	name := makePath(collection, key)
	err := h.driver.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(name)
		return err
	})
	return buntToCommonErr(err, collection, key)
}

func (h *Header) List(collection, pattern string) ([]string, error) {
	var (
		keys   = make([]string, 0)
		filter string
	)
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, "?") {
		pattern += "*"
	}
	filter = makePath(collection, pattern)
	err := h.driver.View(func(tx *buntdb.Tx) error {
		tx.AscendKeys(filter, func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
		return nil
	})
	return keys, buntToCommonErr(err, collection, "")
}

// DeleteCollection removes every key under collection.
func (h *Header) DeleteCollection(collection string) error {
	keys, err := h.List(collection, "")
	if err != nil || len(keys) == 0 {
		return err
	}
	return h.driver.Update(func(tx *buntdb.Tx) error {
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}
