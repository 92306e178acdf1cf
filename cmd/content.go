package cmd

import (
	"fmt"
	"github.com/arcward/fortunebot/fortunebot"
	"github.com/spf13/cobra"
)

var contentCmd = &cobra.Command{
	Use:   "content",
	Short: "Validate the configured content file and print the resulting pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := fortunebot.LoadContent(cfg.Dispenser.ContentFile)
		if err != nil {
			return err
		}
		data, err := content.YAML()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# %d templates, %d aliases\n", content.Size(), len(content.Aliases))
		_, err = out.Write(data)
		return err
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(contentCmd)
}
