////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package router

import (
	"sync"

	jww "github.com/spf13/jwalterweatherman"
	bloom "gitlab.com/elixxir/bloomfilter"
)

const (
	dedupFilterBits   = 65536
	dedupFilterHashes = 8

	// dedupRotateAfter bounds how full a generation gets before it becomes
	// the previous generation. Keeps the false positive rate negligible.
	dedupRotateAfter = 1024
)

// dedup drops redelivered event IDs. Gossip relays redeliver events freely,
// so every inbound event passes a two-generation bloom filter: membership is
// tested against both generations, inserts go to the current one, and the
// generations rotate once the current one fills. An ID is remembered for at
// least one full generation and forgotten after two rotations, which is
// plenty for redelivery windows.
type dedup struct {
	current  *bloom.Bloom
	previous *bloom.Bloom
	adds     uint
	mux      sync.Mutex
}

func newDedup() *dedup {
	return &dedup{
		current:  newDedupFilter(),
		previous: newDedupFilter(),
	}
}

// seen tests and records the ID in one step. Returns true if the ID was
// already recorded in either generation.
func (d *dedup) seen(id string) bool {
	data := []byte(id)

	d.mux.Lock()
	defer d.mux.Unlock()

	if d.current.Test(data) || d.previous.Test(data) {
		return true
	}

	d.current.Add(data)
	d.adds++
	if d.adds >= dedupRotateAfter {
		d.previous = d.current
		d.current = newDedupFilter()
		d.adds = 0
	}
	return false
}

func newDedupFilter() *bloom.Bloom {
	f, err := bloom.InitByParameters(dedupFilterBits, dedupFilterHashes)
	if err != nil {
		jww.FATAL.Panicf(
			"[RTR] Failed to initialize dedup filter: %+v", err)
	}
	return f
}
