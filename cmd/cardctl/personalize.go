package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/barnettlynn/oseidcore/pkg/oseid"
)

// personalizeCmd loads a CardProfile and applies it to a freshly formatted
// card, prompting for any PIN/PUK the profile leaves blank the way a
// physical personalization station would rather than baking secrets into
// the YAML file.
var personalizeCmd = &cobra.Command{
	Use:   "personalize profile.yaml",
	Short: "Provision PINs/PUKs from a profile and activate the card",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyDebugFlag()

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read profile: %w", err)
		}
		profile, err := oseid.LoadCardProfile(raw)
		if err != nil {
			return err
		}

		if err := promptMissingSecrets(profile); err != nil {
			return err
		}

		card, err := openCard()
		if err != nil {
			return err
		}
		if err := card.Personalize(profile); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "card personalized, lifecycle now operational")
		return nil
	},
}

func promptMissingSecrets(p *oseid.CardProfile) error {
	for i := range p.PINs {
		pin := &p.PINs[i]
		if pin.PIN == "" {
			v, err := readSecret(fmt.Sprintf("PIN value for slot %d: ", pin.ID))
			if err != nil {
				return err
			}
			pin.PIN = v
		}
		if pin.PUK == "" {
			v, err := readSecret(fmt.Sprintf("PUK value for slot %d: ", pin.ID))
			if err != nil {
				return err
			}
			pin.PUK = v
		}
	}
	return nil
}

func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(b), nil
}
