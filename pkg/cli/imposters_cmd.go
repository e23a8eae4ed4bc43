package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getmockd/imposters/pkg/logging"
	"github.com/getmockd/imposters/pkg/stubs"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every imposter persisted in the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, cleanup, err := openStorage(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		imps := st.AllImposters(cmd.Context())
		if jsonOutput {
			data, _ := json.MarshalIndent(imps, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		if len(imps) == 0 {
			fmt.Println("no imposters")
			return nil
		}
		for _, imp := range imps {
			fmt.Printf("%d\t%s\t%d stubs\n", imp.Port, imp.Protocol, len(imp.Stubs))
		}
		return nil
	},
}

var getDebug bool

var getCmd = &cobra.Command{
	Use:   "get <port>",
	Short: "Show one imposter with its resolved stubs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, cleanup, err := openStorage(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		imp := st.GetImposter(cmd.Context(), args[0])
		if imp == nil {
			return fmt.Errorf("no imposter on port %s", args[0])
		}
		view := stubs.NewList(st, args[0], logging.Nop()).JSON(cmd.Context(), getDebug)

		out := struct {
			Port     int             `json:"port"`
			Protocol string          `json:"protocol"`
			Stubs    []stubs.StubView `json:"stubs"`
		}{imp.Port, imp.Protocol, view}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <port>",
	Short: "Delete an imposter and all its dependent records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, cleanup, err := openStorage(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if st.GetImposter(cmd.Context(), args[0]) == nil {
			return errors.New("no imposter on port " + args[0])
		}
		if err := st.DeleteImposter(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

var deleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Clear every imposter collection in the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, cleanup, err := openStorage(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := st.DeleteAllImposters(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("store cleared")
		return nil
	},
}

func init() {
	getCmd.Flags().BoolVar(&getDebug, "debug", false, "Include match history")
	rootCmd.AddCommand(listCmd, getCmd, deleteCmd, deleteAllCmd)
}
