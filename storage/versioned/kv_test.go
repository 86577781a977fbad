////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package versioned

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/ekv"
	"gitlab.com/xx_network/primitives/netTime"
)

// Tests the set/get round trip and that absence is distinguishable from
// failure through Exists.
func TestKV_SetGet(t *testing.T) {
	kv := NewKV(ekv.MakeMemstore())

	obj := &Object{
		Version:   0,
		Timestamp: netTime.Now(),
		Data:      []byte("payload"),
	}
	require.NoError(t, kv.Set("key", obj))

	got, err := kv.Get("key", 0)
	require.NoError(t, err)
	require.Equal(t, obj.Data, got.Data)
	require.Equal(t, obj.Version, got.Version)

	_, err = kv.Get("missing", 0)
	require.Error(t, err)
	require.False(t, kv.Exists(err))

	// A different version is a different key.
	_, err = kv.Get("key", 1)
	require.Error(t, err)
}

// Tests that prefixed views partition the keyspace but share the backing
// store.
func TestKV_Prefix(t *testing.T) {
	root := NewKV(ekv.MakeMemstore())
	a := root.Prefix("a")
	b := root.Prefix("a").Prefix("b")

	obj := &Object{Version: 0, Timestamp: netTime.Now(), Data: []byte("x")}
	require.NoError(t, a.Set("key", obj))

	_, err := b.Get("key", 0)
	require.Error(t, err, "nested prefix read a parent's key")

	got, err := root.Prefix("a").Get("key", 0)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), got.Data)
}

// Tests delete removes only the named version.
func TestKV_Delete(t *testing.T) {
	kv := NewKV(ekv.MakeMemstore())

	obj := &Object{Version: 0, Timestamp: netTime.Now(), Data: []byte("x")}
	require.NoError(t, kv.Set("key", obj))
	require.NoError(t, kv.Delete("key", 0))

	_, err := kv.Get("key", 0)
	require.Error(t, err)
}

// Tests the Object JSON round trip.
func TestObject_Marshal(t *testing.T) {
	obj := &Object{
		Version:   3,
		Timestamp: netTime.Now().Round(0),
		Data:      []byte("versioned payload"),
	}

	loaded := &Object{}
	require.NoError(t, loaded.Unmarshal(obj.Marshal()))
	require.Equal(t, obj.Version, loaded.Version)
	require.Equal(t, obj.Data, loaded.Data)
	require.True(t, obj.Timestamp.Equal(loaded.Timestamp))
}
