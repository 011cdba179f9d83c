package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kebapi/kebapi/internal/auth"
	"github.com/kebapi/kebapi/internal/config"
	"github.com/kebapi/kebapi/internal/openapi"
	"github.com/kebapi/kebapi/internal/server"
	"github.com/kebapi/kebapi/internal/service"
	"github.com/kebapi/kebapi/pkg/types"
)

func newGenerateCmd(opts *rootOptions) *cobra.Command {
	var prompt, project, owner string
	var schema bool
	cmd := &cobra.Command{Use: "generate", Short: "Generate an endpoint from a prompt", RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(prompt) == "" {
			return errors.New("--prompt is required")
		}
		a, err := openApp(opts, needLLM)
		if err != nil {
			return err
		}
		defer a.Close()

		mode := service.ModeStatic
		if schema {
			mode = service.ModeDynamic
		}
		created, err := a.svc.Create(cmd.Context(), owner, service.CreateRequest{
			Prompt:  prompt,
			Project: project,
			Mode:    mode,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printEndpoint(out, created.Endpoint)
		if created.Endpoint.Dynamic() {
			fmt.Fprintf(out, "items:       %d\n", created.Items)
		}
		fmt.Fprintln(out, "a running server picks this up on restart or POST /api/reload-endpoints")
		return nil
	}}
	cmd.Flags().StringVar(&prompt, "prompt", "", "natural-language description of the endpoint")
	cmd.Flags().StringVar(&project, "project", "", "project namespace")
	cmd.Flags().StringVar(&owner, "owner", "", "owner user id (quota applies when set)")
	cmd.Flags().BoolVar(&schema, "schema", false, "generate a dynamic CRUD resource instead of a static response")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{Use: "list", Short: "List stored endpoints", RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(opts, needStore)
		if err != nil {
			return err
		}
		defer a.Close()

		eps, err := a.svc.List(cmd.Context(), owner)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tMETHOD\tPATH\tKIND\tCREATED")
		for i := range eps {
			ep := &eps[i]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				ep.ID, methodsOf(ep), ep.FullPath(), kindOf(ep), ep.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	}}
	cmd.Flags().StringVar(&owner, "owner", "", "only endpoints of this owner")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	var id string
	cmd := &cobra.Command{Use: "show", Short: "Show endpoint details", RunE: func(cmd *cobra.Command, args []string) error {
		if id == "" {
			return errors.New("--id is required")
		}
		a, err := openApp(opts, needStore)
		if err != nil {
			return err
		}
		defer a.Close()

		ep, err := a.svc.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(ep)
	}}
	cmd.Flags().StringVar(&id, "id", "", "endpoint id")
	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{Use: "stats", Short: "Summarize stored endpoints", RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(opts, needStore)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.registry.LoadAll(cmd.Context()); err != nil {
			return err
		}
		st, err := a.svc.Stats(cmd.Context(), owner)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "endpoints: %d (dynamic %d, static %d)\n", st.Total, st.Dynamic, st.Static)
		fmt.Fprintf(out, "routes:    %d\n", st.Routes)
		fmt.Fprintf(out, "items:     %d\n", st.Items)
		fmt.Fprintf(out, "requests:  %d\n", st.Requests)
		methods := make([]string, 0, len(st.ByMethod))
		for m := range st.ByMethod {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		for _, m := range methods {
			fmt.Fprintf(out, "  %-6s %d\n", m, st.ByMethod[m])
		}
		if len(st.TopRequested) > 0 {
			fmt.Fprintln(out, "top requested:", strings.Join(st.TopRequested, ", "))
		}
		return nil
	}}
	cmd.Flags().StringVar(&owner, "owner", "", "only endpoints of this owner")
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var id string
	cmd := &cobra.Command{Use: "delete", Short: "Delete an endpoint and its items", RunE: func(cmd *cobra.Command, args []string) error {
		if id == "" {
			return errors.New("--id is required")
		}
		a, err := openApp(opts, needStore)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.svc.Delete(cmd.Context(), "", id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s %s (%d items)\n", d.Endpoint.ID, d.Endpoint.FullPath(), d.ItemsDeleted)
		return nil
	}}
	cmd.Flags().StringVar(&id, "id", "", "endpoint id")
	return cmd
}

func newExportOpenAPICmd(opts *rootOptions) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{Use: "export-openapi", Short: "Write an OpenAPI document for all stored endpoints", RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(opts, needStore)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.registry.LoadAll(cmd.Context()); err != nil {
			return err
		}
		eps, err := a.svc.List(cmd.Context(), "")
		if err != nil {
			return err
		}
		byID := make(map[string]*types.Endpoint, len(eps))
		for i := range eps {
			byID[eps[i].ID] = &eps[i]
		}
		data, err := openapi.Render(openapi.Info{
			Title:     "kebapi generated endpoints",
			Version:   server.Version,
			ServerURL: a.cfg.Server.PublicURL,
		}, a.registry.Table().Routes(), byID)
		if err != nil {
			return err
		}
		for _, issue := range openapi.Validate(data) {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning:", issue)
		}
		if outPath == "" || outPath == "-" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := openapi.WriteFile(outPath, data); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "wrote", outPath)
		return nil
	}}
	cmd.Flags().StringVar(&outPath, "out", "", "output file (default stdout)")
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var user, email string
	var ttl time.Duration
	cmd := &cobra.Command{Use: "token", Short: "Issue a bearer token signed with auth.jwt_secret", RunE: func(cmd *cobra.Command, args []string) error {
		if user == "" {
			return errors.New("--user is required")
		}
		cfg, err := config.Load(opts.cfgPath)
		if err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
			return errors.New("auth.jwt_secret cannot be empty")
		}

		v := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		tok, err := v.Issue(auth.Identity{UserID: user, Email: email}, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	}}
	cmd.Flags().StringVar(&user, "user", "", "subject user id")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func printEndpoint(w io.Writer, ep *types.Endpoint) {
	fmt.Fprintf(w, "id:          %s\n", ep.ID)
	fmt.Fprintf(w, "kind:        %s\n", kindOf(ep))
	fmt.Fprintf(w, "method:      %s\n", methodsOf(ep))
	fmt.Fprintf(w, "path:        %s\n", ep.FullPath())
	fmt.Fprintf(w, "description: %s\n", ep.Description)
}

func kindOf(ep *types.Endpoint) string {
	if ep.Dynamic() {
		return "dynamic"
	}
	return "static"
}

func methodsOf(ep *types.Endpoint) string {
	if ep.Dynamic() {
		return "CRUD"
	}
	return ep.Method
}
