package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"gopkg.in/yaml.v3"
)

var flagConfigJSON bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with keys masked",
	RunE: func(*cobra.Command, []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		masked := cfg.Masked()
		if flagConfigJSON {
			out, err := json.MarshalIndent(masked, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		out, err := yaml.Marshal(masked)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	configCmd.Flags().BoolVar(&flagConfigJSON, "json", false, "output as JSON")
}
