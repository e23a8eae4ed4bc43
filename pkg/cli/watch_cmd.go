package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/getmockd/imposters/pkg/storage"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print change notifications from other processes as they arrive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, cleanup, err := openStorage(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		print := func(channel string) func(storage.ChangeEvent) {
			return func(ev storage.ChangeEvent) {
				if ev.ID == "" {
					fmt.Println(channel)
					return
				}
				fmt.Printf("%s\t%s\n", channel, ev.ID)
			}
		}
		for _, ch := range []string{
			storage.ChannelImposterChange,
			storage.ChannelImposterDelete,
			storage.ChannelAllImpostersDelete,
		} {
			if err := st.Subscribe(ch, print(ch)); err != nil {
				return err
			}
		}

		fmt.Fprintln(os.Stderr, "watching for changes, ctrl-c to stop")
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
