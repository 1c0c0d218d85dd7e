package main

import (
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/wellsync/wellsync/internal/profile"
)

func init() {
	profileCmd.AddCommand(profileShowCmd, profileSetCmd)
	rootCmd.AddCommand(profileCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the identity and server used by this client",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveProfilePath()
		if err != nil {
			return err
		}
		p, err := profile.Load(path)
		if err != nil {
			return err
		}
		if p.Token != "" {
			p.Token = "********"
		}
		data, err := toml.Marshal(p)
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n%s", path, data)
		return nil
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a profile value",
	Long:  "Set a profile value. Keys: " + strings.Join(profile.Keys, ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveProfilePath()
		if err != nil {
			return err
		}
		p, err := profile.Load(path)
		if err != nil {
			return err
		}
		if err := p.Set(args[0], args[1]); err != nil {
			return err
		}
		if err := p.Save(path); err != nil {
			return err
		}
		fmt.Printf("Set %s\n", args[0])
		return nil
	},
}
