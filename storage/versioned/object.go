////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package versioned

import (
	"encoding/json"
	"fmt"
	"time"
)

// Object is the stored unit: serialized data plus the format version that
// wrote it and the time it was written.
type Object struct {
	Version   uint64
	Timestamp time.Time
	Data      []byte
}

// Marshal serializes the Object for the backing store.
func (o *Object) Marshal() []byte {
	d, err := json.Marshal(o)
	if err != nil {
		// All fields are simple types; failing to marshal means something
		// is deeply wrong.
		panic(fmt.Sprintf("could not marshal versioned object: %+v", o))
	}
	return d
}

// Unmarshal deserializes the Object from the backing store.
func (o *Object) Unmarshal(data []byte) error {
	return json.Unmarshal(data, o)
}
