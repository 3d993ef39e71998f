package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"gocalsync/backend"
)

// EntryCompletion completes the first argument with entry ids, showing each
// entry's title as the description. list is only called when completion
// is requested.
func EntryCompletion(list func() ([]backend.Entry, error)) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		entries, err := list()
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}

		var completions []string
		for _, e := range entries {
			if !e.Visible() || !strings.HasPrefix(e.ID, toComplete) {
				continue
			}
			completions = append(completions, e.ID+"\t"+e.StartDate+" "+e.Title)
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	}
}
