package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/flowlearn/internal/feedback"
	"github.com/fyrsmithlabs/flowlearn/internal/patterns"
	"github.com/fyrsmithlabs/flowlearn/internal/prompts"
	"github.com/fyrsmithlabs/flowlearn/internal/retrieval"
	"github.com/fyrsmithlabs/flowlearn/internal/training"
)

func newSuggestCmd(opts *options) *cobra.Command {
	var (
		platform string
		topK     int
	)
	cmd := &cobra.Command{
		Use:   "suggest <query>",
		Short: "Suggest components for a flow description",
		Long: `Ask the server which integration components a flow description calls for.

Examples:
  flctl suggest "Poll SFTP every hour and transform to JSON"
  flctl suggest --platform mulesoft --top-k 3 "read from kafka"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out retrieval.Suggestions
			q := retrieval.Query{Text: strings.Join(args, " "), PlatformHint: platform, TopK: topK}
			if err := opts.call(cmd.Context(), http.MethodPost, "/api/v1/suggestions", nil, q, &out); err != nil {
				return err
			}
			if done, err := opts.emit(cmd, out); done {
				return err
			}

			rows := make([][]string, 0, len(out.Items))
			for _, s := range out.Items {
				via := strings.Join(s.ProvenancePatternIDs, ",")
				if s.Companion {
					via = "with " + s.CompanionOf + " (" + string(s.Sequence) + ")"
				}
				rows = append(rows, []string{s.ComponentType, string(s.Category), ratio(s.Confidence), via})
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, renderTable([]string{"COMPONENT", "CATEGORY", "CONFIDENCE", "VIA"}, rows))
			if out.Degraded {
				fmt.Fprintln(w, dimStyle.Render("semantic matching unavailable; lexical results only"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "source platform hint")
	cmd.Flags().IntVar(&topK, "top-k", 0, "maximum primary suggestions (server default when 0)")
	return cmd
}

func newPatternsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "List, activate and retire trigger patterns",
	}

	var (
		active, candidate bool
		componentType     string
		limit             int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List patterns",
		Long: `List patterns, optionally filtered.

Examples:
  # Candidates proposed from feedback, awaiting review
  flctl patterns list --candidate

  # Active patterns for one component type
  flctl patterns list --active --type SFTPAdapter`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if cmd.Flags().Changed("active") {
				q.Set("active", strconv.FormatBool(active))
			}
			if cmd.Flags().Changed("candidate") {
				q.Set("candidate", strconv.FormatBool(candidate))
			}
			if componentType != "" {
				q.Set("component_type", componentType)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			var out []patterns.Pattern
			if err := opts.call(cmd.Context(), http.MethodGet, "/api/v1/patterns", q, nil, &out); err != nil {
				return err
			}
			if done, err := opts.emit(cmd, out); done {
				return err
			}
			rows := make([][]string, 0, len(out))
			for _, p := range out {
				rows = append(rows, []string{
					p.ID, p.Signal, p.ComponentType,
					fmt.Sprintf("%d/%d", p.TimesCorrect, p.TimesMatched),
					ratio(p.ConfidenceScore), yesNo(p.Active), yesNo(p.Candidate),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "SIGNAL", "COMPONENT", "CORRECT", "CONFIDENCE", "ACTIVE", "CANDIDATE"}, rows))
			return nil
		},
	}
	list.Flags().BoolVar(&active, "active", false, "only active (or, with =false, inactive) patterns")
	list.Flags().BoolVar(&candidate, "candidate", false, "only candidates (or, with =false, non-candidates)")
	list.Flags().StringVar(&componentType, "type", "", "only patterns for this component type")
	list.Flags().IntVar(&limit, "limit", 0, "maximum patterns to list")

	setActive := func(use, short, action string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <pattern-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var p patterns.Pattern
				path := "/api/v1/patterns/" + url.PathEscape(args[0]) + "/" + action
				if err := opts.call(cmd.Context(), http.MethodPost, path, nil, nil, &p); err != nil {
					return err
				}
				if done, err := opts.emit(cmd, p); done {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pattern %s %q -> %s: active=%t\n", p.ID, p.Signal, p.ComponentType, p.Active)
				return nil
			},
		}
	}

	cmd.AddCommand(
		list,
		setActive("activate", "Activate a pattern, promoting a candidate", "activate"),
		setActive("deactivate", "Retire a pattern", "deactivate"),
	)
	return cmd
}

func newExamplesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "examples",
		Short: "Curate training examples",
	}

	var weight float64
	approve := &cobra.Command{
		Use:   "approve <example-id>",
		Short: "Approve a correct example for few-shot use",
		Long: `Approve a training example that was resolved correct.

Examples:
  flctl examples approve 3f2c...
  flctl examples approve --weight 1.5 3f2c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{}
			if cmd.Flags().Changed("weight") {
				body["weight"] = weight
			}
			var e training.Example
			path := "/api/v1/examples/" + url.PathEscape(args[0]) + "/approve"
			if err := opts.call(cmd.Context(), http.MethodPost, path, nil, body, &e); err != nil {
				return err
			}
			if done, err := opts.emit(cmd, e); done {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Example %s approved with weight %s\n", e.ID, ratio(e.TrainingWeight))
			return nil
		},
	}
	approve.Flags().Float64Var(&weight, "weight", training.DefaultWeight, "training weight")
	cmd.AddCommand(approve)
	return cmd
}

func newPromptsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Manage prompt versions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "activate <version>",
		Short: "Make a prompt version the single active version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v prompts.Version
			path := "/api/v1/prompts/" + url.PathEscape(args[0]) + "/activate"
			if err := opts.call(cmd.Context(), http.MethodPost, path, nil, nil, &v); err != nil {
				return err
			}
			if done, err := opts.emit(cmd, v); done {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Prompt %s is %s (used %d times, accuracy %s)\n",
				v.Version, v.Status, v.UsageCount, ratio(v.AccuracyRate))
			return nil
		},
	})
	return cmd
}

func newAnomaliesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "Review ingestion anomalies",
	}

	var (
		all   bool
		kind  string
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List unresolved anomalies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if !all {
				q.Set("resolved", "false")
			}
			if kind != "" {
				q.Set("kind", kind)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var out []feedback.Anomaly
			if err := opts.call(cmd.Context(), http.MethodGet, "/api/v1/anomalies", q, nil, &out); err != nil {
				return err
			}
			if done, err := opts.emit(cmd, out); done {
				return err
			}
			rows := make([][]string, 0, len(out))
			for _, a := range out {
				rows = append(rows, []string{a.ID, a.Kind, a.FeedbackID, a.Component, a.Message, yesNo(a.Resolved)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "KIND", "FEEDBACK", "COMPONENT", "MESSAGE", "RESOLVED"}, rows))
			return nil
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include resolved anomalies")
	list.Flags().StringVar(&kind, "kind", "", "only anomalies of this kind")
	list.Flags().IntVar(&limit, "limit", 0, "maximum anomalies to list")

	var note string
	resolve := &cobra.Command{
		Use:   "resolve <anomaly-id>",
		Short: "Mark an anomaly reviewed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/anomalies/" + url.PathEscape(args[0]) + "/resolve"
			if err := opts.call(cmd.Context(), http.MethodPost, path, nil, map[string]string{"note": note}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Anomaly %s resolved\n", args[0])
			return nil
		},
	}
	resolve.Flags().StringVar(&note, "note", "", "reviewer note")

	cmd.AddCommand(list, resolve)
	return cmd
}
