package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// resetCmd wipes a durable card back to a blank, lifecycle-1 filesystem,
// the cmd/cardctl equivalent of fs_erase_card.
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Erase a card's storage and return it to initialization lifecycle",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyDebugFlag()

		card, err := openCard()
		if err != nil {
			return err
		}
		if err := card.EraseCard(nil); err != nil {
			return fmt.Errorf("erase card: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "card erased, lifecycle reset to initialization")
		return nil
	},
}
