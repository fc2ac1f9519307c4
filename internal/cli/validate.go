package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gridverify/certus/internal/definition"
)

// ValidationResult holds validation results for the procedure catalog.
type ValidationResult struct {
	Valid   bool             `json:"valid"`
	Checked int              `json:"checked"`
	Errors  []ProcedureError `json:"errors,omitempty"`
}

// ProcedureError is one malformed procedure definition.
type ProcedureError struct {
	Name    string `json:"name"`
	StepID  string `json:"step_id,omitempty"`
	Message string `json:"message"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate procedure definitions without running them",
		Long: `Validate every procedure in the catalog: CUE syntax, matcher
completeness, dependency references, cycles and group consistency.
Checks the built-in catalog plus any external definitions directory.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{
				Format:  rootOpts.Format,
				Writer:  cmd.OutOrStdout(),
				Verbose: rootOpts.Verbose,
			}
			return runValidate(formatter, dir)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "external procedure definitions directory")
	return cmd
}

func runValidate(formatter *OutputFormatter, dir string) error {
	registry := definition.NewRegistry(dir)

	names, err := registry.Names()
	if err != nil {
		_ = formatter.Error(err.Error(), nil)
		return NewExitError(ExitCommandError, err.Error())
	}

	result := ValidationResult{Valid: true, Checked: len(names)}
	for _, name := range names {
		if _, err := registry.Load(name); err != nil {
			result.Valid = false
			pe := ProcedureError{Name: name, Message: err.Error()}
			var malformed *definition.MalformedDefinitionError
			if errors.As(err, &malformed) {
				pe.StepID = malformed.StepID
				pe.Message = malformed.Reason
			}
			result.Errors = append(result.Errors, pe)
		}
	}

	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "%d procedure(s) valid\n", result.Checked)
	return nil
}

func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		_ = formatter.Error("validation failed", result)
		return NewExitError(ExitFailure,
			fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
	}

	fmt.Fprintln(formatter.Writer, "validation failed")
	for _, pe := range result.Errors {
		if pe.StepID != "" {
			fmt.Fprintf(formatter.Writer, "  %s step %s: %s\n", pe.Name, pe.StepID, pe.Message)
			continue
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", pe.Name, pe.Message)
	}
	return NewExitError(ExitFailure,
		fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
}
