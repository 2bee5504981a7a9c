package cmd

import (
	"fmt"
	"github.com/mnemotechnician/officevulp/officevulp"
	"github.com/spf13/cobra"
	"log"
)

var registerCommandsCmd = &cobra.Command{
	Use:   "register-commands",
	Short: "Overwrite the bot's slash commands, globally or for the configured guild",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		bot, err := officevulp.New(cfg)
		if err != nil {
			log.Fatalf("error creating bot: %s", err.Error())
		}

		commands, err := bot.RegisterSlashCommands()
		if err != nil {
			log.Fatalf("error registering commands: %s", err.Error())
		}

		out := cmd.OutOrStdout()
		scope := "globally"
		if cfg.Discord.GuildID != "" {
			scope = "for guild " + cfg.Discord.GuildID
		}
		_, _ = fmt.Fprintf(out, "registered %d command(s) %s\n", len(commands), scope)
		for _, c := range commands {
			_, _ = fmt.Fprintf(out, "  /%s (id: %s)\n", c.Name, c.ID)
		}
	},
}

//nolint:gochecknoinits // cobra wiring
func init() {
	rootCmd.AddCommand(registerCommandsCmd)
}
