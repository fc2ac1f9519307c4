package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gridverify/certus/internal/definition"
)

// ProcedureInfo is one catalog entry as listed by the procedures command.
type ProcedureInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
}

// NewProceduresCommand creates the procedures command.
func NewProceduresCommand(rootOpts *RootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:           "procedures",
		Short:         "List the procedure catalog",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{
				Format:  rootOpts.Format,
				Writer:  cmd.OutOrStdout(),
				Verbose: rootOpts.Verbose,
			}
			return runProcedures(formatter, dir)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "external procedure definitions directory")
	return cmd
}

func runProcedures(formatter *OutputFormatter, dir string) error {
	registry := definition.NewRegistry(dir)

	names, err := registry.Names()
	if err != nil {
		_ = formatter.Error(err.Error(), nil)
		return NewExitError(ExitCommandError, err.Error())
	}

	var infos []ProcedureInfo
	for _, name := range names {
		info := ProcedureInfo{Name: name}
		if proc, err := registry.Load(name); err == nil {
			info.Description = proc.Description
			info.Steps = len(proc.Steps)
		}
		infos = append(infos, info)
	}

	if formatter.Format == "json" {
		return formatter.Success(infos)
	}
	for _, info := range infos {
		fmt.Fprintf(formatter.Writer, "%s\t%d step(s)\t%s\n", info.Name, info.Steps, info.Description)
	}
	return nil
}
