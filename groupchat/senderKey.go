////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package groupchat

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/whispermesh/client/storage/versioned"
	"gitlab.com/xx_network/primitives/netTime"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	senderKeyKeyPrefix = "senderKey/"
	senderKeyVersion   = 0

	chainKeyLen = 32
	keyIDLen    = 16

	chainKdfInfo = "whispermesh-group-chain"
)

// Error messages.
const (
	chainCorruptErr  = "sender key state for group %s is corrupt; explicit rekey required"
	chainKdfErr      = "failed to derive chain step for group %s: %+v"
	chainPersistErr  = "failed to persist sender key state for group %s: %+v"
	chainGenerateErr = "failed to generate sender key for group %s: %+v"
)

// ErrSenderKeyCorrupt is returned by Send when the group's persisted chain
// state cannot be restored. Sends stay blocked until Rekey; silently
// restarting at iteration zero would reuse chain positions.
var ErrSenderKeyCorrupt = errors.New(
	"sender key state corrupt; rekey the group to resume sending")

// senderKeyState is the per-(group, local device) ratcheting chain. It
// advances monotonically with every group send; the same iteration must
// never encrypt twice.
type senderKeyState struct {
	GroupID          string `json:"groupId"`
	KeyID            string `json:"keyId"`
	ChainKey         []byte `json:"chainKey"`
	Iteration        uint32 `json:"iteration"`
	DistributionSent bool   `json:"distributionSent"`

	// poisoned marks a state whose persisted form could not be restored.
	// Never serialized; a poisoned chain refuses to advance.
	poisoned bool
}

// newSenderKeyState creates a fresh chain at iteration zero under a new
// random key ID.
func newSenderKeyState(groupID string) (*senderKeyState, error) {
	chainKey := make([]byte, chainKeyLen)
	if _, err := rand.Read(chainKey); err != nil {
		return nil, errors.Errorf(chainGenerateErr, groupID, err)
	}
	keyID := make([]byte, keyIDLen)
	if _, err := rand.Read(keyID); err != nil {
		return nil, errors.Errorf(chainGenerateErr, groupID, err)
	}
	return &senderKeyState{
		GroupID:  groupID,
		KeyID:    hex.EncodeToString(keyID),
		ChainKey: chainKey,
	}, nil
}

// advance derives the message key for the current iteration and steps the
// chain forward exactly once. Returns the message key and the iteration it
// belongs to.
func (sk *senderKeyState) advance() (messageKey []byte, iteration uint32,
	err error) {
	if sk.poisoned {
		return nil, 0, ErrSenderKeyCorrupt
	}

	kdf := hkdf.New(sha256.New, sk.ChainKey, nil, []byte(chainKdfInfo))
	derived := make([]byte, 2*chainKeyLen)
	if _, err = io.ReadFull(kdf, derived); err != nil {
		return nil, 0, errors.Errorf(chainKdfErr, sk.GroupID, err)
	}

	iteration = sk.Iteration
	messageKey = derived[:chainKeyLen]
	sk.ChainKey = derived[chainKeyLen:]
	sk.Iteration++
	return messageKey, iteration, nil
}

// seal encrypts the plaintext under the message key, binding the group ID
// and stamping the iteration into the nonce.
func seal(messageKey []byte, groupID string, iteration uint32,
	plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(messageKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint32(nonce, iteration)
	return aead.Seal(nil, nonce, plaintext, []byte(groupID)), nil
}

// loadChain restores the group's chain from the KV. Absence returns nil
// with no error; corruption returns a poisoned state so the caller fails
// loudly instead of resetting.
func (m *Manager) loadChain(groupID string) (*senderKeyState, error) {
	obj, err := m.kv.Get(senderKeyKeyPrefix+groupID, senderKeyVersion)
	if err != nil {
		if !m.kv.Exists(err) {
			return nil, nil
		}
		return nil, err
	}

	sk := &senderKeyState{}
	if err = json.Unmarshal(obj.Data, sk); err != nil ||
		len(sk.ChainKey) != chainKeyLen {
		jww.ERROR.Printf(chainCorruptErr, groupID)
		return &senderKeyState{GroupID: groupID, poisoned: true}, nil
	}
	return sk, nil
}

// persistChain writes the chain state synchronously. This must complete
// before the corresponding publish so a crash cannot replay an iteration.
func (m *Manager) persistChain(sk *senderKeyState) error {
	data, err := json.Marshal(sk)
	if err != nil {
		return errors.Errorf(chainPersistErr, sk.GroupID, err)
	}
	return m.kv.Set(senderKeyKeyPrefix+sk.GroupID, &versioned.Object{
		Version:   senderKeyVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
}

// senderKeyDistribution is the one-time control payload delivered to each
// member over their 1:1 session.
type senderKeyDistribution struct {
	GroupID   string `json:"groupId"`
	KeyID     string `json:"keyId"`
	ChainKey  []byte `json:"chainKey"`
	Iteration uint32 `json:"iteration"`
	DeviceID  string `json:"deviceId"`
}
