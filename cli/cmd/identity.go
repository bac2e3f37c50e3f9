package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage the device identity",
	Long:  `Manage the durable device identity used to attribute manifest writes. The identity is generated on first use and survives restarts.`,
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the device identity",
	RunE:  runIdentityShow,
}

var identityResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard the device identity and generate a new one",
	Long:  `Discard the stored device identity and generate a fresh one. Manifests written earlier keep the old machine ID in their last-writer stamps.`,
	RunE:  runIdentityReset,
}

func init() {
	rootCmd.AddCommand(identityCmd)

	identityCmd.AddCommand(identityShowCmd)
	identityCmd.AddCommand(identityResetCmd)

	identityShowCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runIdentityShow(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	identity, err := cofferSvc.DeviceIdentity()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to resolve device identity: %w", err), started)
	}

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(identity), started)
	}

	fmt.Printf("Machine ID: %s\n", identity.MachineID)
	fmt.Printf("Machine Label: %s\n", identity.MachineLabel)
	fmt.Printf("Created: %s\n", identity.CreatedAt.Format(time.RFC3339))
	if identity.AppVersion != "" {
		fmt.Printf("App Version: %s\n", identity.AppVersion)
	}

	return auditCmdComplete(cmd, nil, started)
}

func runIdentityReset(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	if !promptConfirmation("Reset the device identity? Existing last-writer stamps keep the old ID") {
		fmt.Println("Reset cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	identity, err := cofferSvc.Identity().Reset()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to reset device identity: %w", err), started)
	}

	fmt.Printf("New machine ID: %s\n", identity.MachineID)
	return auditCmdComplete(cmd, nil, started)
}
