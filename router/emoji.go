////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package router

import (
	"github.com/forPelevin/gomoji"
	"github.com/pkg/errors"
)

// InvalidReaction is returned when a reaction payload is anything other than
// a single emoji.
var InvalidReaction = errors.New("the reaction is not valid, " +
	"it must be a single emoji")

// ValidateReaction checks that the reaction only contains a single emoji.
func ValidateReaction(reaction string) error {
	if len(gomoji.RemoveEmojis(reaction)) > 0 {
		return InvalidReaction
	}

	if len(gomoji.FindAll(reaction)) != 1 {
		return InvalidReaction
	}

	return nil
}
