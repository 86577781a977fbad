////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package groupchat

import (
	"bytes"
	"testing"
)

// Tests that every advance yields a distinct message key and strictly
// increasing iterations.
func TestSenderKeyState_Advance(t *testing.T) {
	sk, err := newSenderKeyState("group")
	if err != nil {
		t.Fatalf("newSenderKeyState: %+v", err)
	}

	seen := make(map[string]bool)
	for i := uint32(0); i < 10; i++ {
		prevChain := append([]byte(nil), sk.ChainKey...)

		key, iter, err := sk.advance()
		if err != nil {
			t.Fatalf("advance %d: %+v", i, err)
		}
		if iter != i {
			t.Errorf("iteration: got %d, expected %d", iter, i)
		}
		if seen[string(key)] {
			t.Fatalf("message key reused at iteration %d", i)
		}
		seen[string(key)] = true

		if bytes.Equal(sk.ChainKey, prevChain) {
			t.Fatalf("chain key did not ratchet at iteration %d", i)
		}
		if bytes.Equal(key, sk.ChainKey) {
			t.Fatal("message key equals next chain key")
		}
	}
	if sk.Iteration != 10 {
		t.Errorf("final iteration: %d", sk.Iteration)
	}
}

// Tests that a poisoned chain refuses to advance.
func TestSenderKeyState_PoisonedRefuses(t *testing.T) {
	sk := &senderKeyState{GroupID: "group", poisoned: true}
	if _, _, err := sk.advance(); err != ErrSenderKeyCorrupt {
		t.Errorf("expected ErrSenderKeyCorrupt, got %+v", err)
	}
}

// Tests seal produces ciphertext bound to the group and iteration.
func TestSeal(t *testing.T) {
	sk, err := newSenderKeyState("group")
	if err != nil {
		t.Fatalf("newSenderKeyState: %+v", err)
	}
	key, iter, err := sk.advance()
	if err != nil {
		t.Fatalf("advance: %+v", err)
	}

	ct1, err := seal(key, "group", iter, []byte("hello"))
	if err != nil {
		t.Fatalf("seal: %+v", err)
	}
	ct2, err := seal(key, "other-group", iter, []byte("hello"))
	if err != nil {
		t.Fatalf("seal: %+v", err)
	}
	if bytes.Equal(ct1, ct2) {
		t.Error("ciphertext not bound to group ID")
	}
	if bytes.Equal(ct1, []byte("hello")) {
		t.Error("plaintext leaked")
	}
}
