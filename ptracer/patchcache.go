/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ptracer

import (
	"bytes"
	"encoding/gob"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var patchBucket = []byte(`patchsets`)

// PatchCache persists scan results keyed by image identity so a daemon
// restart does not pay for re-scanning libc and friends.
type PatchCache struct {
	db *bolt.DB
}

func OpenPatchCache(path string) (*PatchCache, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(patchBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &PatchCache{db: db}, nil
}

func cacheKey(path string, size, mtime int64) []byte {
	return []byte(fmt.Sprintf(`%s|%d|%d`, path, size, mtime))
}

// Get returns the cached patch set for an image identity, if present.
func (c *PatchCache) Get(path string, size, mtime int64) (ps *PatchSet, ok bool) {
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(patchBucket).Get(cacheKey(path, size, mtime))
		if v == nil {
			return nil
		}
		var got PatchSet
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&got); err != nil {
			return err
		}
		ps = &got
		ok = true
		return nil
	})
	if err != nil {
		return nil, false
	}
	return
}

// Put stores a scan result under its image identity.
func (c *PatchCache) Put(ps *PatchSet) error {
	var bb bytes.Buffer
	if err := gob.NewEncoder(&bb).Encode(ps); err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(patchBucket).Put(cacheKey(ps.Library, ps.Size, ps.ModTime), bb.Bytes())
	})
}

func (c *PatchCache) Close() error {
	return c.db.Close()
}
