////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Whispermesh Labs                                          //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"fmt"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"gitlab.com/whispermesh/client/messenger"
)

// stateCmd rehydrates the persisted chat store and prints a per-chat
// summary. Expired messages are purged as a side effect, same as a normal
// client start.
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Summarize the locally persisted chats",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		initLog(viper.GetUint("logLevel"), viper.GetString("log"))

		if out := viper.GetString("profile-cpu"); out != "" {
			p := profile.Start(profile.CPUProfile, profile.ProfilePath(out),
				profile.NoShutdownHook)
			defer p.Stop()
		}

		kv := initKV()
		client, err := messenger.NewClient(viper.GetString("identity"), kv,
			nil, nil, nil, messenger.DefaultParams())
		if err != nil {
			jww.FATAL.Panicf("Failed to initialize client: %+v", err)
		}
		if err = client.Start(); err != nil {
			jww.FATAL.Panicf("Failed to start client: %+v", err)
		}
		defer func() {
			if err := client.Stop(); err != nil {
				jww.ERROR.Printf("Failed to stop client: %+v", err)
			}
		}()

		chats := client.Store().Chats()
		fmt.Printf("%d chats\n", len(chats))
		for _, chatID := range chats {
			msgs := client.Store().Messages(chatID)
			fmt.Printf("%s: %d messages, %d unseen\n",
				chatID, len(msgs), client.UnseenCount(chatID))
		}

		groups := client.Groups()
		for _, chatID := range chats {
			if g, ok := groups.GetGroup(chatID); ok {
				fmt.Printf("group %s (%q): %d members\n",
					g.ID, g.Name, len(g.Members))
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(stateCmd)
}
