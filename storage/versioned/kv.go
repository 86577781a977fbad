////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package versioned wraps a raw key/value store with per-key versioning and
// hierarchical prefixes, so stored formats can be migrated without guessing
// what wrote them.
package versioned

import (
	"fmt"

	"gitlab.com/elixxir/ekv"
)

const prefixSeparator = "/"

// KV stores versioned objects under a hierarchical prefix. Prefixed views
// share the same backing store.
type KV struct {
	data   ekv.KeyValue
	prefix string
}

// NewKV creates a versioned key/value store backed by anything implementing
// ekv.KeyValue.
func NewKV(data ekv.KeyValue) *KV {
	return &KV{data: data}
}

// Prefix returns a view of the KV nested one level deeper.
func (v *KV) Prefix(prefix string) *KV {
	return &KV{
		data:   v.data,
		prefix: v.prefix + prefix + prefixSeparator,
	}
}

// Get retrieves the object stored at key with the given version. Check the
// error with Exists to distinguish absence from failure.
func (v *KV) Get(key string, version uint64) (*Object, error) {
	obj := Object{}
	if err := v.data.Get(v.makeKey(key, version), &obj); err != nil {
		return nil, err
	}
	return &obj, nil
}

// Set upserts the object at key under the object's version.
func (v *KV) Set(key string, obj *Object) error {
	return v.data.Set(v.makeKey(key, obj.Version), obj)
}

// Delete removes the key at the given version.
func (v *KV) Delete(key string, version uint64) error {
	return v.data.Delete(v.makeKey(key, version))
}

// Exists returns false if the error indicates the element does not exist.
func (v *KV) Exists(err error) bool {
	return ekv.Exists(err)
}

func (v *KV) makeKey(key string, version uint64) string {
	return fmt.Sprintf("%s%s_%d", v.prefix, key, version)
}
