package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evalpipe/internal/router"
)

var (
	routeDeck      bool
	routeAuth      bool
	routeSurface   string
	routeNearCap   bool
	routeExplained bool
)

// routeCmd classifies one message through the decision gate
var routeCmd = &cobra.Command{
	Use:   "route [text]",
	Short: "Show which execution tier the decision gate picks for a message",
	Long: `Classifies a message into NO_LLM, MINI_ONLY or FULL_LLM without calling
any model.

Example:
  evalpipe route "what is ward?"
  evalpipe route --deck "analyze my deck and suggest swaps"`,
	Args:        cobra.MinimumNArgs(1),
	Annotations: map[string]string{noStore: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		req := router.Request{
			Text:            strings.Join(args, " "),
			HasDeckContext:  routeDeck,
			IsAuthenticated: routeAuth,
			Route:           router.Route(routeSurface),
			NearBudgetCap:   routeNearCap,
		}
		d, rule := router.Explain(req)
		if !routeExplained {
			return printJSON(d)
		}
		return printJSON(struct {
			router.Decision
			Rule string `json:"rule"`
		}{d, rule})
	},
}

func init() {
	routeCmd.Flags().BoolVar(&routeDeck, "deck", false, "a deck is linked to the conversation")
	routeCmd.Flags().BoolVar(&routeAuth, "auth", false, "the caller is signed in")
	routeCmd.Flags().StringVar(&routeSurface, "route", string(router.RouteChat), "calling surface: chat, chat_stream, deck_analyze")
	routeCmd.Flags().BoolVar(&routeNearCap, "near-cap", false, "the caller is close to the budget cap")
	routeCmd.Flags().BoolVar(&routeExplained, "explain", false, "include the rule that fired")
	rootCmd.AddCommand(routeCmd)
}
