package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

// inspectCmd prints a card's lifecycle, change counter and the file ids
// directly under the currently selected DF (the MF, right after open), a
// read-only diagnostic with no equivalent APDU of its own.
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print lifecycle, change counter and top-level file ids",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyDebugFlag()

		card, err := openCard()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "lifecycle:      %d\n", card.Lifecycle())
		fmt.Fprintf(out, "change counter: %d\n", card.ChangeCounter())

		ids := card.ListFiles(0, 0)
		fmt.Fprintf(out, "files under MF: %s\n", hex.EncodeToString(ids))
		return nil
	},
}
