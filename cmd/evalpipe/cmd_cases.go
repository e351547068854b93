package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evalpipe/internal/apperr"
	"github.com/danielpatrickdp/evalpipe/internal/store"
)

var (
	casesFrom      string
	casesLimit     int
	casesJSON      bool
	promptKind     string
	promptVersion  string
	promptFile     string
	promptActivate bool
)

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Import and list test cases",
}

var casesImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import test cases from a JSON array",
	Long: `Each element needs a name and an input object; type defaults to chat.

Example:
  evalpipe cases import --from cases.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var in []store.TestCase
		if err := readJSONFile(casesFrom, &in); err != nil {
			return err
		}
		created := 0
		for i, tc := range in {
			if strings.TrimSpace(tc.Name) == "" {
				return apperr.Validation("import cases", "case %d has no name", i)
			}
			if tc.Type == "" {
				tc.Type = store.CaseChat
			}
			tc.Stats = store.CaseStats{}
			if _, err := db.CreateTestCase(cmd.Context(), tc); err != nil {
				return err
			}
			created++
		}
		fmt.Printf("imported %d test cases\n", created)
		return nil
	},
}

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List test cases in creation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cases, err := db.ListTestCases(cmd.Context(), casesLimit)
		if err != nil {
			return err
		}
		if casesJSON {
			return printJSON(cases)
		}
		printQualityTable(cases)
		return nil
	},
}

// promptCmd registers prompt versions by hand
var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Manage prompt versions",
}

var promptAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Store a prompt body as a new candidate version",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := os.ReadFile(promptFile)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		kind := store.PromptKind(promptKind)
		pv, err := db.CreatePromptVersion(cmd.Context(), store.PromptVersion{
			Kind:    kind,
			Version: promptVersion,
			Body:    string(body),
			Meta:    store.PromptMeta{Source: "manual"},
		})
		if err != nil {
			return err
		}
		if promptActivate {
			if err := db.ActivatePrompt(cmd.Context(), kind, pv.ID, nil); err != nil {
				return err
			}
			pv.Status = store.StatusActive
		}
		return printJSON(pv)
	},
}

func init() {
	casesImportCmd.Flags().StringVar(&casesFrom, "from", "-", "JSON file of test cases (- for stdin)")
	casesListCmd.Flags().IntVar(&casesLimit, "limit", 50, "max cases to list")
	casesListCmd.Flags().BoolVar(&casesJSON, "json", false, "output as JSON")
	casesCmd.AddCommand(casesImportCmd, casesListCmd)

	promptAddCmd.Flags().StringVar(&promptKind, "kind", string(store.PromptChat), "chat or deck_analysis")
	promptAddCmd.Flags().StringVar(&promptVersion, "version", "", "version label")
	promptAddCmd.Flags().StringVar(&promptFile, "file", "", "file holding the prompt body")
	promptAddCmd.Flags().BoolVar(&promptActivate, "activate", false, "make this version active")
	_ = promptAddCmd.MarkFlagRequired("version")
	_ = promptAddCmd.MarkFlagRequired("file")
	promptCmd.AddCommand(promptAddCmd)

	rootCmd.AddCommand(casesCmd, promptCmd)
}
