package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	builtindocs "github.com/aidanlsb/stellator/docs"
	"github.com/aidanlsb/stellator/internal/ui"
)

const docsIndexPath = "index.yaml"

type docsTopic struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`
	Path  string `yaml:"path" json:"path"`
}

type docsSearchMatch struct {
	Topic   string `json:"topic"`
	Line    int    `json:"line"`
	Snippet string `json:"snippet"`
}

func newDocsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs [topic]",
		Short: "Read the bundled guides",
		Long: `Shows the guides bundled into the stdb binary. Without a topic the
available topics are listed.

Examples:
  stdb docs
  stdb docs queries
  stdb docs search alias`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topics, err := loadDocsTopics(builtindocs.FS)
			if err != nil {
				return app.handleError(ErrInternal, err, "")
			}
			if len(args) == 0 {
				return app.outputDocsTopics(topics)
			}
			for _, t := range topics {
				if t.ID == args[0] {
					return app.outputDocsTopic(t)
				}
			}
			return app.handleErrorMsg(ErrDocNotFound, fmt.Sprintf("no docs topic %q", args[0]),
				"Run 'stdb docs' to list topics")
		},
	}
	cmd.AddCommand(newDocsSearchCmd(app))
	return cmd
}

func newDocsSearchCmd(app *App) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the bundled guides",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.TrimSpace(strings.Join(args, " "))
			if query == "" {
				return app.handleErrorMsg(ErrMissingArgument, "specify a search query", "Usage: stdb docs search <query>")
			}
			if limit < 1 {
				return app.handleErrorMsg(ErrInvalidInput, "--limit must be >= 1", "")
			}
			topics, err := loadDocsTopics(builtindocs.FS)
			if err != nil {
				return app.handleError(ErrInternal, err, "")
			}
			matches, err := searchDocs(builtindocs.FS, topics, query, limit)
			if err != nil {
				return app.handleError(ErrInternal, err, "")
			}

			if app.isJSONOutput() {
				if matches == nil {
					matches = []docsSearchMatch{}
				}
				app.outputSuccess(map[string]interface{}{
					"query":   query,
					"matches": matches,
				}, &Meta{Count: len(matches)})
				return nil
			}
			if len(matches) == 0 {
				fmt.Fprintf(app.Out, "No docs matched %q.\n", query)
				return nil
			}
			fmt.Fprintf(app.Out, "Matches for %q (%d):\n", query, len(matches))
			for _, m := range matches {
				fmt.Fprintf(app.Out, "- %s:%d %s\n", m.Topic, m.Line, m.Snippet)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of matches")
	return cmd
}

func loadDocsTopics(fsys fs.FS) ([]docsTopic, error) {
	data, err := fs.ReadFile(fsys, docsIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read docs index: %w", err)
	}
	var index struct {
		Topics []docsTopic `yaml:"topics"`
	}
	if err := yaml.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse docs index: %w", err)
	}
	return index.Topics, nil
}

// searchDocs does a case-insensitive line search over every topic.
func searchDocs(fsys fs.FS, topics []docsTopic, query string, limit int) ([]docsSearchMatch, error) {
	needle := strings.ToLower(query)
	var matches []docsSearchMatch
	for _, t := range topics {
		content, err := fs.ReadFile(fsys, t.Path)
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(bytes.NewReader(content))
		for line := 1; scanner.Scan(); line++ {
			text := scanner.Text()
			if !strings.Contains(strings.ToLower(text), needle) {
				continue
			}
			matches = append(matches, docsSearchMatch{Topic: t.ID, Line: line, Snippet: strings.TrimSpace(text)})
			if len(matches) >= limit {
				return matches, nil
			}
		}
	}
	return matches, nil
}

func (app *App) outputDocsTopics(topics []docsTopic) error {
	if app.isJSONOutput() {
		app.outputSuccess(map[string]interface{}{"topics": topics}, &Meta{Count: len(topics)})
		return nil
	}
	fmt.Fprintln(app.Out, "Documentation topics:")
	for _, t := range topics {
		fmt.Fprintf(app.Out, "  %-24s %s\n", "stdb docs "+t.ID, t.Title)
	}
	fmt.Fprintln(app.Out)
	fmt.Fprintln(app.Out, "Search with 'stdb docs search <query>'; command help with 'stdb help <command>'.")
	return nil
}

func (app *App) outputDocsTopic(t docsTopic) error {
	content, err := fs.ReadFile(builtindocs.FS, t.Path)
	if err != nil {
		return app.handleError(ErrInternal, err, "")
	}
	if app.isJSONOutput() {
		app.outputSuccess(map[string]interface{}{
			"topic":   t.ID,
			"title":   t.Title,
			"content": string(content),
		}, nil)
		return nil
	}

	out := string(content)
	if app.display.IsTTY {
		if rendered, err := ui.RenderMarkdown(out, app.display.TermWidth); err == nil {
			out = rendered
		}
	}
	fmt.Fprint(app.Out, out)
	if !strings.HasSuffix(out, "\n") {
		fmt.Fprintln(app.Out)
	}
	return nil
}
